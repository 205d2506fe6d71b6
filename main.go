package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SyncCore/global/config"
	"SyncCore/logger"
	"SyncCore/module/delivery"
	"SyncCore/module/session"
	"SyncCore/service/admin"
	"SyncCore/service/dispatcher/kafka"
	"SyncCore/service/notify"
	"SyncCore/service/storage/docstore"
	prstore "SyncCore/service/storage/presence"
	"SyncCore/tools/ids"
	"SyncCore/tools/safe"
)

func main() {
	confPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	conf, err := config.Load(*confPath)
	if err != nil {
		logger.Errorf("boot: load config: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(conf.LogLevel)
	defer logger.Sync()
	if conf.Node.ID > 0 {
		ids.SetNodeID(conf.Node.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 瞬态存储（Redis）：本进程作为一条"连接"参与心跳/清扫
	eph, err := prstore.NewRedisStore(prstore.RedisConfig{
		Addr:           conf.Redis.Addr,
		Password:       conf.Redis.Password,
		DB:             conf.Redis.DB,
		PoolSize:       conf.Redis.PoolSize,
		ConnID:         ids.GenerateString(),
		HeartbeatTTL:   conf.Redis.HeartbeatTTL.Std(),
		HeartbeatEvery: conf.Redis.HeartbeatEvery.Std(),
		SweepEvery:     conf.Redis.SweepEvery.Std(),
	})
	if err != nil {
		logger.Errorf("boot: presence store: %v", err)
		os.Exit(1)
	}

	// 持久存储（Mongo）
	docs, err := docstore.NewMongoStore(ctx, &docstore.MongoConfig{
		Uri:         conf.Mongo.URI,
		Database:    conf.Mongo.Database,
		MaxPoolSize: conf.Mongo.MaxPoolSize,
		MaxRetry:    conf.Mongo.MaxRetry,
	})
	if err != nil {
		logger.Errorf("boot: document store: %v", err)
		os.Exit(1)
	}

	// 事件广播（可选）
	var notif notify.Notifier = notify.Noop{}
	if conf.Nats.Enabled {
		n, nerr := notify.NewNatsNotifier(notify.NatsConfig{
			Servers: []string{conf.Nats.URL},
			Name:    conf.Nats.Name,
		})
		if nerr != nil {
			logger.Errorf("boot: nats: %v", nerr)
			os.Exit(1)
		}
		notif = n
	}
	defer notif.Close()

	// 回执事件流（可选）
	var sink delivery.ReceiptSink
	if conf.Kafka.Enabled {
		producer, perr := kafka.NewReceiptProducer(kafka.Config{
			Brokers: conf.Kafka.Brokers,
			Topic:   conf.Kafka.Topic,
		})
		if perr != nil {
			logger.Errorf("boot: kafka: %v", perr)
			os.Exit(1)
		}
		defer func() { _ = producer.Close() }()
		sink = func(ev delivery.ReceiptEvent) error {
			return producer.SendJSON(ev.ChatID, ev)
		}
	}
	engine := delivery.NewEngine(docs, sink)
	registry := session.NewRegistry(eph, docs, notif)

	adminSrv := admin.NewServer(admin.Config{
		Addr:      conf.Admin.Addr,
		JWTSecret: conf.Admin.JWTSecret,
		Debug:     conf.Admin.Debug,
	}, registry, eph, engine)
	safe.SafeGo("admin.server", func() {
		if err := adminSrv.Run(); err != nil {
			logger.Errorf("admin: server exited: %v", err)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Infof("boot: received %s, shutting down", sig)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown: admin: %v", err)
	}
	if err := eph.Close(shutdownCtx); err != nil {
		logger.Warnf("shutdown: presence store: %v", err)
	}
	if err := docs.Close(shutdownCtx); err != nil {
		logger.Warnf("shutdown: document store: %v", err)
	}
}
