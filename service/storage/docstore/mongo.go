package docstore

import (
	"context"
	"time"

	"SyncCore/logger"
	"SyncCore/tools/errs"
	"SyncCore/tools/safe"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig represents the MongoDB configuration.
type MongoConfig struct {
	Uri         string
	Address     []string
	Database    string
	Username    string
	Password    string
	AuthSource  string
	MaxPoolSize int
	MaxRetry    int
}

func (c *MongoConfig) validateAndSetDefaults() error {
	if c.Uri == "" && len(c.Address) == 0 {
		return errs.New("mongo uri or address is required")
	}
	if c.Database == "" {
		return errs.New("mongo database is required")
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 100
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	if c.AuthSource == "" {
		c.AuthSource = "admin"
	}
	return nil
}

// 将配置应用到 ClientOptions
func applyConfigToOptions(cfg *MongoConfig) *options.ClientOptions {
	var opts *options.ClientOptions
	if cfg.Uri != "" {
		// 优先使用完整 URI（可含参数 ?authSource=admin 等）
		opts = options.Client().ApplyURI(cfg.Uri)
	} else {
		opts = options.Client().SetHosts(cfg.Address)
	}
	opts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	return opts
}

// shouldRetry determines whether a connect error should trigger a retry.
func shouldRetry(ctx context.Context, err error) bool {
	select {
	case <-ctx.Done():
		return false
	default:
		if cmdErr, ok := err.(mongo.CommandError); ok {
			return cmdErr.Code != 13 && cmdErr.Code != 18
		}
		return true
	}
}

// MongoStore 把 Store 边界映射到 MongoDB：
//   SetMerge -> UpdateOne $set + upsert（点号路径天然支持字段级合并）
//   Listen   -> change stream（documentKey 过滤）+ 初始快照
//   BatchWrite -> 无序 BulkWrite（部分失败不回滚，靠幂等重试补齐）
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore initializes a new MongoDB-backed document store.
func NewMongoStore(ctx context.Context, config *MongoConfig) (*MongoStore, error) {
	if err := config.validateAndSetDefaults(); err != nil {
		return nil, err
	}
	opts := applyConfigToOptions(config)
	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < config.MaxRetry; i++ {
		cli, err = connectMongo(ctx, opts)
		if err != nil && shouldRetry(ctx, err) {
			time.Sleep(time.Second / 2)
			continue
		}
		break
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to MongoDB")
	}
	return &MongoStore{db: cli.Database(config.Database)}, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return cli, nil
}

func (s *MongoStore) coll(name string) *mongo.Collection { return s.db.Collection(name) }

// Close 断开底层客户端。
func (s *MongoStore) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func (s *MongoStore) Get(ctx context.Context, collection, key string) (map[string]any, error) {
	var raw bson.M
	err := s.coll(collection).FindOne(ctx, bson.M{"_id": key}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.NotFound("document absent").WithDetail(collection + "/" + key)
	}
	if err != nil {
		return nil, errs.Transient("document get failed").WrapCause(err)
	}
	delete(raw, "_id")
	return map[string]any(raw), nil
}

func (s *MongoStore) SetMerge(ctx context.Context, collection, key string, fields map[string]any) error {
	_, err := s.coll(collection).UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M(fields)},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.Transient("document merge failed").WrapCause(err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, collection, key string) error {
	// 删除不存在的文档不是错误（消费幂等）
	if _, err := s.coll(collection).DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return errs.Transient("document delete failed").WrapCause(err)
	}
	return nil
}

func (s *MongoStore) Query(ctx context.Context, collection string, filter map[string]any) ([]Doc, error) {
	cur, err := s.coll(collection).Find(ctx, bson.M(filter))
	if err != nil {
		return nil, errs.Transient("document query failed").WrapCause(err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []Doc
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, errs.Transient("document decode failed").WrapCause(err)
		}
		key, _ := raw["_id"].(string)
		delete(raw, "_id")
		out = append(out, Doc{Collection: collection, Key: key, Fields: map[string]any(raw)})
	}
	if err := cur.Err(); err != nil {
		return nil, errs.Transient("document cursor failed").WrapCause(err)
	}
	return out, nil
}

func (s *MongoStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	// 按集合分组；组内无序执行
	grouped := make(map[string][]mongo.WriteModel)
	for _, op := range ops {
		if op.Delete {
			grouped[op.Collection] = append(grouped[op.Collection],
				mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": op.Key}))
			continue
		}
		grouped[op.Collection] = append(grouped[op.Collection],
			mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": op.Key}).
				SetUpdate(bson.M{"$set": bson.M(op.Merge)}).
				SetUpsert(true))
	}
	for collection, models := range grouped {
		_, err := s.coll(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		if err != nil {
			return errs.Transient("document batch write failed").
				WithDetail(collection).WrapCause(err)
		}
	}
	return nil
}

// Listen 先推当前快照（若存在），随后转发该文档上的 change stream 事件。
func (s *MongoStore) Listen(ctx context.Context, collection, key string) (<-chan Event, func(), error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"documentKey._id": key}}},
	}
	cs, err := s.coll(collection).Watch(ctx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, nil, errs.Transient("document watch failed").WrapCause(err)
	}

	out := make(chan Event, 16)
	if fields, err := s.Get(ctx, collection, key); err == nil {
		out <- Event{Collection: collection, Key: key, Fields: fields}
	} else if !errs.IsNotFound(err) {
		_ = cs.Close(ctx)
		return nil, nil, err
	}

	streamCtx, cancelStream := context.WithCancel(context.Background())
	safe.SafeGo("docstore.listen:"+collection+"/"+key, func() {
		defer close(out)
		defer func() { _ = cs.Close(context.Background()) }()
		for cs.Next(streamCtx) {
			var change struct {
				OperationType string `bson:"operationType"`
				FullDocument  bson.M `bson:"fullDocument"`
			}
			if err := cs.Decode(&change); err != nil {
				logger.Warnf("docstore: bad change event on %s/%s: %v", collection, key, err)
				continue
			}
			ev := Event{Collection: collection, Key: key}
			switch change.OperationType {
			case "delete":
				ev.Deleted = true
			default:
				delete(change.FullDocument, "_id")
				ev.Fields = map[string]any(change.FullDocument)
			}
			select {
			case out <- ev:
			case <-streamCtx.Done():
				return
			}
		}
	})

	return out, cancelStream, nil
}
