package session

import (
	"encoding/json"
	"time"

	"SyncCore/tools/errs"
)

// 会话状态。active 是唯一的存活态；被动挤下线的会话直接删除，
// 不会停留在中间状态。
const SessionActive = "active"

// 互踢原因。写入被踢记录并随广播带出。
const (
	ReasonNewDeviceLogin = "new_device_login"
	ReasonAdminForced    = "admin_forced"
)

// DeviceSession 是瞬态存储里一条会话键的值。
// Epoch 由雪花号发放，单调递增；驱逐流程用它判别"要删的是不是
// 我见过的那次登录"，避免误杀后来者。
type DeviceSession struct {
	DeviceID    string `json:"device_id"`
	DeviceClass string `json:"device_class"`
	Platform    string `json:"platform,omitempty"`
	Browser     string `json:"browser,omitempty"`
	OS          string `json:"os,omitempty"`
	DeviceName  string `json:"device_name,omitempty"`
	LoginAtMS   int64  `json:"login_at_ms"`
	LastActive  int64  `json:"last_active_ms"`
	Status      string `json:"status"`
	Epoch       int64  `json:"epoch"`
}

func (s DeviceSession) Encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

func DecodeSession(raw []byte) (DeviceSession, error) {
	var s DeviceSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return DeviceSession{}, errs.WrapMsg(err, "session: bad session payload")
	}
	return s, nil
}

// EvictionRecord 落在文档存储 kicked_sessions 集合，
// 是被踢端观察自己命运的持久信道（瞬态信道可能因掉线错过）。
// 消费即删除：同一设备同一时刻至多一条未消费记录，
// 第二个消费者读到空则直接放行。
type EvictionRecord struct {
	UserID      string `json:"user_id" bson:"user_id"`
	DeviceClass string `json:"device_class" bson:"device_class"`
	DeviceID    string `json:"device_id" bson:"device_id"`
	Reason      string `json:"reason" bson:"reason"`
	KickedAtMS  int64  `json:"kicked_at_ms" bson:"kicked_at_ms"`
	ByDeviceID  string `json:"by_device_id,omitempty" bson:"by_device_id,omitempty"`
}

// EvictionKey 即被踢记录的文档键：一个设备同一时刻至多一条未消费记录。
func EvictionKey(deviceID string) string { return deviceID }

func nowMS() int64 { return time.Now().UnixMilli() }
