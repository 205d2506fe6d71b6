package presence

import (
	"context"
	"time"
)

// 路径约定（与动态层解耦，所有组件只拼 key，不关心底层存储的命名空间）：
//   status/<userId>                      用户在线状态
//   sessions/<userId>/<class>/<deviceId> 设备会话
const (
	statusPrefix  = "status/"
	sessionPrefix = "sessions/"
)

func StatusKey(userID string) string { return statusPrefix + userID }

func SessionKey(userID, deviceClass, deviceID string) string {
	return sessionPrefix + userID + "/" + deviceClass + "/" + deviceID
}

// SessionScanPrefix 列出某 (user, class) 下全部会话用的前缀。
func SessionScanPrefix(userID, deviceClass string) string {
	return sessionPrefix + userID + "/" + deviceClass + "/"
}

// UserSessionsPrefix 列出某用户全部类别会话用的前缀。
func UserSessionsPrefix(userID string) string {
	return sessionPrefix + userID + "/"
}

// Event 是某个 key 上的一次变更。StoreTime 是存储侧指定的时间戳，
// 镜像与 lastSeen 判定一律用它，不用客户端钟（避免时钟漂移导致逆序）。
type Event struct {
	Key       string
	Value     []byte // Deleted 时为 nil
	Deleted   bool
	StoreTime time.Time
}

// Store 是低延迟的瞬态 KV 存储边界。除常规读写外还要求两种能力：
//
//  1. Listen：对单个 key 的长期监听（含当前快照，随后推送每次变更）。
//  2. ArmDisconnectWrite：预埋"连接断开时替我写/删这个 key"的延迟操作，
//     由存储侧（或其心跳清扫器）在连接失联后执行；DisarmDisconnectWrite
//     在主动退出前撤销，避免迟到的自动写覆盖显式写。
//
// Connectivity 推送连接状态迁移（true=connected）。每次重连都会再推一次 true。
type Store interface {
	Set(ctx context.Context, key string, value []byte) (time.Time, error)
	Get(ctx context.Context, key string) ([]byte, time.Time, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Listen(ctx context.Context, key string) (<-chan Event, func(), error)

	// value 为 nil 表示断开时删除该 key。
	ArmDisconnectWrite(ctx context.Context, key string, value []byte) error
	DisarmDisconnectWrite(ctx context.Context, key string) error

	Connectivity() <-chan bool
	Close(ctx context.Context) error
}
