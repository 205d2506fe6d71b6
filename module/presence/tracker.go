package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"SyncCore/logger"
	"SyncCore/service/notify"
	"SyncCore/service/storage/docstore"
	prstore "SyncCore/service/storage/presence"
	"SyncCore/tools/errs"
	"SyncCore/tools/safe"
)

// 在线状态枚举。状态键只被覆盖，从不删除。
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserPresence 是某用户的在线状态快照。LastSeen 一律取 store 侧时间。
type UserPresence struct {
	UserID      string
	Status      string
	LastSeen    time.Time
	ConnectedAt time.Time // 零值表示未知/离线
}

// statusPayload 是状态键里的存储编码。lastSeen 不入 payload，
// 由事件携带的 store 时间提供。
type statusPayload struct {
	Status        string `json:"status"`
	ConnectedAtMS int64  `json:"connected_at_ms,omitempty"`
}

// Tracker 把用户连接生命周期绑定到瞬态存储：
//
//   - 每次连通（含重连）先预埋断开写 offline，再显式写 online；
//   - 镜像协程把状态键上的每次变更回写文档存储的 users 记录，
//     用 store 时间戳，lastSeen 单调不减；
//   - Stop 先撤预埋写再显式写 offline，避免迟到的自动离线写
//     覆盖"立刻换设备重新登录"。
//
// 镜像失败只记日志，等下一次状态变更自然重试，从不阻塞主迁移。
type Tracker struct {
	eph   prstore.Store
	docs  docstore.Store
	notif notify.Notifier

	mu           sync.Mutex
	userID       string
	running      bool
	cancelListen func()
	stopConn     context.CancelFunc
	lastMirrorMS int64
}

func NewTracker(eph prstore.Store, docs docstore.Store, notif notify.Notifier) *Tracker {
	if notif == nil {
		notif = notify.Noop{}
	}
	return &Tracker{eph: eph, docs: docs, notif: notif}
}

// Start 订阅连通信号与状态键变更。重复调用报错。
func (t *Tracker) Start(ctx context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errs.New("presence tracker already started", "user", t.userID)
	}

	connCtx, stopConn := context.WithCancel(ctx)
	events, cancelListen, err := t.eph.Listen(connCtx, prstore.StatusKey(userID))
	if err != nil {
		stopConn()
		return err
	}

	t.userID = userID
	t.running = true
	t.cancelListen = cancelListen
	t.stopConn = stopConn

	connCh := t.eph.Connectivity()
	safe.SafeGo("presence.tracker.conn:"+userID, func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case online, ok := <-connCh:
				if !ok {
					return
				}
				if !online {
					continue // 离线由预埋写负责，本地不抢写
				}
				// 连通（或重连）：先武装自动离线，再落在线
				if err := t.armOffline(connCtx, userID); err != nil {
					logger.Warnf("presence: arm offline failed for %s: %v", userID, err)
				}
				if err := t.SetOnline(connCtx, userID); err != nil {
					logger.Warnf("presence: set online failed for %s: %v", userID, err)
				}
			}
		}
	})

	safe.SafeGo("presence.tracker.mirror:"+userID, func() {
		for ev := range events {
			t.mirror(ev)
		}
	})
	return nil
}

// Stop 撤销预埋写，再显式写离线，最后拆订阅。
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	userID := t.userID
	t.running = false
	cancelListen := t.cancelListen
	stopConn := t.stopConn
	t.mu.Unlock()

	// 先撤预埋写：主动退出不能被迟到的自动离线写追尾
	if err := t.eph.DisarmDisconnectWrite(ctx, prstore.StatusKey(userID)); err != nil {
		logger.Warnf("presence: disarm failed for %s: %v", userID, err)
	}
	err := t.SetOffline(ctx, userID)

	stopConn()
	cancelListen()
	return err
}

// SetOnline 显式写在线状态。
func (t *Tracker) SetOnline(ctx context.Context, userID string) error {
	payload, _ := json.Marshal(statusPayload{
		Status:        StatusOnline,
		ConnectedAtMS: time.Now().UnixMilli(),
	})
	_, err := t.eph.Set(ctx, prstore.StatusKey(userID), payload)
	return err
}

// SetOffline 显式写离线状态。
func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	payload, _ := json.Marshal(statusPayload{Status: StatusOffline})
	_, err := t.eph.Set(ctx, prstore.StatusKey(userID), payload)
	return err
}

func (t *Tracker) armOffline(ctx context.Context, userID string) error {
	payload, _ := json.Marshal(statusPayload{Status: StatusOffline})
	return t.eph.ArmDisconnectWrite(ctx, prstore.StatusKey(userID), payload)
}

// mirror 把状态键事件回写 users 文档。时间戳取事件上的 store 时间，
// 并做单调钳制：镜像侧 lastSeen 永不回退。
func (t *Tracker) mirror(ev prstore.Event) {
	if ev.Deleted {
		return // 状态键只覆盖不删除；删除事件视为噪音
	}
	var p statusPayload
	if err := json.Unmarshal(ev.Value, &p); err != nil {
		logger.Warnf("presence: bad status payload: %v", err)
		return
	}

	ms := ev.StoreTime.UnixMilli()
	t.mu.Lock()
	if ms < t.lastMirrorMS {
		ms = t.lastMirrorMS
	} else {
		t.lastMirrorMS = ms
	}
	userID := t.userID
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := t.docs.SetMerge(ctx, docstore.CollUsers, userID, map[string]any{
		"status":    p.Status,
		"last_seen": ms,
	})
	if err != nil {
		// 下一次状态变更会整体重写，这里只记录
		logger.Warnf("presence: mirror write failed for %s: %v", userID, err)
		return
	}
	if err := t.notif.PresenceChanged(ctx, userID, p.Status, time.UnixMilli(ms)); err != nil {
		logger.Warnf("presence: notify failed for %s: %v", userID, err)
	}
}

// GetPresence 读出某用户当前的在线状态快照（管理端查询用）。
// 键不存在视为从未上线过的 offline。
func GetPresence(ctx context.Context, eph prstore.Store, userID string) (UserPresence, error) {
	raw, ts, err := eph.Get(ctx, prstore.StatusKey(userID))
	if errs.IsNotFound(err) {
		return UserPresence{UserID: userID, Status: StatusOffline}, nil
	}
	if err != nil {
		return UserPresence{}, err
	}
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return UserPresence{}, errs.New("presence: bad status payload", "user", userID)
	}
	up := UserPresence{UserID: userID, Status: p.Status, LastSeen: ts}
	if p.ConnectedAtMS > 0 {
		up.ConnectedAt = time.UnixMilli(p.ConnectedAtMS)
	}
	return up, nil
}
