package session

import (
	"context"
	"sort"
	"time"

	"SyncCore/logger"
	"SyncCore/service/notify"
	"SyncCore/service/storage/docstore"
	prstore "SyncCore/service/storage/presence"
	"SyncCore/tools/errs"
	"SyncCore/tools/ids"
)

// EvictionGrace 是互踢前留给旧会话自行退出的窗口。
// 窗口内旧端若主动登出（会话键消失），就不再补刀。
const EvictionGrace = 5 * time.Second

const gracePoll = 200 * time.Millisecond

// Registry 维护"一个用户每个设备类别至多一条活跃会话"。
// 会话本体放瞬态存储（断开自动删除），被踢记录落文档存储。
type Registry struct {
	eph   prstore.Store
	docs  docstore.Store
	notif notify.Notifier
	grace time.Duration
}

func NewRegistry(eph prstore.Store, docs docstore.Store, notif notify.Notifier) *Registry {
	if notif == nil {
		notif = notify.Noop{}
	}
	return &Registry{eph: eph, docs: docs, notif: notif, grace: EvictionGrace}
}

// SetGrace 仅供测试缩短等待窗口。
func (r *Registry) SetGrace(d time.Duration) { r.grace = d }

// RegisterSession 登记一次新登录。同类别下已有别的设备时，
// 先走互踢流程（记录 + 广播 + 宽限 + 删除），再写入自己的会话，
// 最后预埋断开即删。返回带 epoch 的会话快照。
func (r *Registry) RegisterSession(ctx context.Context, userID string, s DeviceSession) (DeviceSession, error) {
	if userID == "" || s.DeviceID == "" || s.DeviceClass == "" {
		return DeviceSession{}, errs.New("session: user, device id and class are required")
	}
	s.Epoch = ids.Generate()
	s.Status = SessionActive
	s.LoginAtMS = nowMS()
	s.LastActive = s.LoginAtMS

	// 同类别扫描：例外只有自己（同设备重登直接覆盖）
	prefix := prstore.SessionScanPrefix(userID, s.DeviceClass)
	existing, err := r.eph.List(ctx, prefix)
	if err != nil {
		return DeviceSession{}, errs.WrapMsg(err, "session: scan existing sessions")
	}
	for key, raw := range existing {
		old, derr := DecodeSession(raw)
		if derr != nil {
			logger.Warnf("session: dropping undecodable session at %s: %v", key, derr)
			_ = r.eph.Delete(ctx, key)
			continue
		}
		if old.DeviceID == s.DeviceID {
			continue
		}
		if err := r.evict(ctx, userID, old, ReasonNewDeviceLogin, s.DeviceID, true); err != nil {
			return DeviceSession{}, err
		}
	}

	key := prstore.SessionKey(userID, s.DeviceClass, s.DeviceID)
	if _, err := r.eph.Set(ctx, key, s.Encode()); err != nil {
		return DeviceSession{}, errs.WrapMsg(err, "session: write session")
	}
	// nil 值预埋 = 断开时删除会话键
	if err := r.eph.ArmDisconnectWrite(ctx, key, nil); err != nil {
		logger.Warnf("session: arm disconnect delete failed for %s: %v", key, err)
	}
	return s, nil
}

// Touch 刷新会话活跃时间。会话不存在时返回 NotFound。
func (r *Registry) Touch(ctx context.Context, userID, deviceClass, deviceID string) error {
	key := prstore.SessionKey(userID, deviceClass, deviceID)
	raw, _, err := r.eph.Get(ctx, key)
	if err != nil {
		return err
	}
	s, err := DecodeSession(raw)
	if err != nil {
		return err
	}
	s.LastActive = nowMS()
	_, err = r.eph.Set(ctx, key, s.Encode())
	return err
}

// ListSessions 返回某 (user, class) 下的活跃会话。
// 稳态下至多一条，竞态窗口内可能短暂出现两条。
func (r *Registry) ListSessions(ctx context.Context, userID, deviceClass string) ([]DeviceSession, error) {
	return r.list(ctx, prstore.SessionScanPrefix(userID, deviceClass))
}

// ListAllSessions 返回用户全部类别下的活跃会话，按类别+设备排序。
func (r *Registry) ListAllSessions(ctx context.Context, userID string) ([]DeviceSession, error) {
	return r.list(ctx, prstore.UserSessionsPrefix(userID))
}

func (r *Registry) list(ctx context.Context, prefix string) ([]DeviceSession, error) {
	entries, err := r.eph.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceSession, 0, len(entries))
	for key, raw := range entries {
		s, derr := DecodeSession(raw)
		if derr != nil {
			logger.Warnf("session: skip undecodable session at %s: %v", key, derr)
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceClass != out[j].DeviceClass {
			return out[i].DeviceClass < out[j].DeviceClass
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

// Evict 管理端强踢：立即生效，不给宽限窗口。
func (r *Registry) Evict(ctx context.Context, userID, deviceClass, deviceID, byDeviceID string) error {
	key := prstore.SessionKey(userID, deviceClass, deviceID)
	raw, _, err := r.eph.Get(ctx, key)
	if errs.IsNotFound(err) {
		return errs.NotFound("session: no active session for device " + deviceID)
	}
	if err != nil {
		return err
	}
	s, err := DecodeSession(raw)
	if err != nil {
		return err
	}
	return r.evict(ctx, userID, s, ReasonAdminForced, byDeviceID, false)
}

// evict 执行互踢：可选宽限、带 epoch 防护的删除、
// 落被踢记录、广播。宽限窗口内旧会话自行消失则整个流程免掉——
// 主动退出的会话不该收到被踢记录。
func (r *Registry) evict(ctx context.Context, userID string, old DeviceSession, reason, byDeviceID string, grace bool) error {
	key := prstore.SessionKey(userID, old.DeviceClass, old.DeviceID)
	if grace {
		deadline := time.Now().Add(r.grace)
		for time.Now().Before(deadline) {
			if _, _, gerr := r.eph.Get(ctx, key); errs.IsNotFound(gerr) {
				return nil // 旧端已自行退出
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(gracePoll):
			}
		}
	}

	// epoch 防护：宽限期间若旧端掉线、又有更新的登录占了同一键，
	// 这条键已不属于我们要踢的那次登录，不能删。
	raw, _, err := r.eph.Get(ctx, key)
	if errs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	cur, err := DecodeSession(raw)
	if err == nil && cur.Epoch > old.Epoch {
		return errs.Conflict("session: superseded by a newer login").WithDetail(old.DeviceID)
	}
	if err := r.eph.Delete(ctx, key); err != nil {
		return errs.WrapMsg(err, "session: delete evicted session")
	}

	rec := EvictionRecord{
		UserID:      userID,
		DeviceClass: old.DeviceClass,
		DeviceID:    old.DeviceID,
		Reason:      reason,
		KickedAtMS:  nowMS(),
		ByDeviceID:  byDeviceID,
	}
	werr := r.docs.SetMerge(ctx, docstore.CollKickedSessions, EvictionKey(old.DeviceID), map[string]any{
		"user_id":      rec.UserID,
		"device_class": rec.DeviceClass,
		"device_id":    rec.DeviceID,
		"reason":       rec.Reason,
		"kicked_at_ms": rec.KickedAtMS,
		"by_device_id": rec.ByDeviceID,
	})
	if werr != nil {
		return errs.WrapMsg(werr, "session: persist eviction record")
	}
	if nerr := r.notif.SessionEvicted(ctx, notify.EvictionEvent{
		UserID:      userID,
		DeviceClass: old.DeviceClass,
		DeviceID:    old.DeviceID,
		Reason:      reason,
		KickedAtMS:  rec.KickedAtMS,
	}); nerr != nil {
		logger.Warnf("session: eviction broadcast failed for %s: %v", old.DeviceID, nerr)
	}
	return nil
}
