package docstore

import (
	"context"
)

// 集合名约定。核心只碰这四个集合。
const (
	CollUsers          = "users"
	CollMessages       = "messages"
	CollUserChats      = "user_chats"
	CollKickedSessions = "kicked_sessions"
)

// Doc 是一条文档。Fields 不含存储内部主键字段。
type Doc struct {
	Collection string
	Key        string
	Fields     map[string]any
}

// Event 是被监听文档的一次变更。Deleted 时 Fields 为 nil。
type Event struct {
	Collection string
	Key        string
	Fields     map[string]any
	Deleted    bool
}

// WriteOp 是批量写中的一项。Merge 支持点号路径（"delivered_to.u1"），
// 语义是按字段合并而不是整篇覆盖。Delete=true 时忽略 Merge。
type WriteOp struct {
	Collection string
	Key        string
	Merge      map[string]any
	Delete     bool
}

// Store 是持久文档存储边界：按键读写、字段级合并、单键监听、
// 批量写，外加消息扫描所需的等值查询。
//
// BatchWrite 不保证原子性：中途失败不回滚已落下的项；调用方依赖
// 幂等重试补齐剩余项。
type Store interface {
	Get(ctx context.Context, collection, key string) (map[string]any, error)
	SetMerge(ctx context.Context, collection, key string, fields map[string]any) error
	Delete(ctx context.Context, collection, key string) error
	Query(ctx context.Context, collection string, filter map[string]any) ([]Doc, error)
	BatchWrite(ctx context.Context, ops []WriteOp) error
	Listen(ctx context.Context, collection, key string) (<-chan Event, func(), error)
}
