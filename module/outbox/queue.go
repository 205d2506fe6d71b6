package outbox

import (
	"context"
	"time"

	"SyncCore/logger"
	"SyncCore/tools/errs"
	"SyncCore/tools/ids"
)

// 出站队列的硬上限。超限条目不再自动重试，但保留可查（失败列表 UI），
// 直到显式移除或超龄清理。
const (
	MaxRetries = 3
	MaxAge     = 7 * 24 * time.Hour
)

// Item 是一条尚未确认送出的出站消息。
type Item struct {
	ID          string `json:"id"`
	ChatID      string `json:"chat_id"`
	Payload     []byte `json:"payload"`
	CreatedAtMS int64  `json:"created_at_ms"`
	RetryCount  int    `json:"retry_count"`
}

// Ledger 是底层存储边界：纯按 id 存取，不掺策略。
type Ledger interface {
	Put(ctx context.Context, item Item) error
	Get(ctx context.Context, id string) (Item, error)
	All(ctx context.Context) ([]Item, error)
	Delete(ctx context.Context, id string) error
}

// Queue 是被动台账：只记账，不排重试。重试调度和退避
// 属于发送流程，由调用方自理。
type Queue struct {
	ledger  Ledger
	maxAge  time.Duration
	retries int
}

func NewQueue(ledger Ledger) *Queue {
	return &Queue{ledger: ledger, maxAge: MaxAge, retries: MaxRetries}
}

// Enqueue 记一条待发消息，返回台账 id。
func (q *Queue) Enqueue(ctx context.Context, chatID string, payload []byte) (string, error) {
	if chatID == "" {
		return "", errs.New("outbox: chat id is required")
	}
	item := Item{
		ID:          ids.GenerateString(),
		ChatID:      chatID,
		Payload:     payload,
		CreatedAtMS: time.Now().UnixMilli(),
	}
	if err := q.ledger.Put(ctx, item); err != nil {
		return "", errs.WrapMsg(err, "outbox: enqueue", "chat", chatID)
	}
	return item.ID, nil
}

// List 返回全部未决条目（按入队先后），顺手清掉超龄的。
func (q *Queue) List(ctx context.Context) ([]Item, error) {
	items, err := q.ledger.All(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-q.maxAge).UnixMilli()
	out := items[:0]
	for _, it := range items {
		if it.CreatedAtMS < cutoff {
			if derr := q.ledger.Delete(ctx, it.ID); derr != nil {
				logger.Warnf("outbox: prune %s failed: %v", it.ID, derr)
			}
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// Remove 在发送确认后删除条目。删不存在的 id 是空操作。
func (q *Queue) Remove(ctx context.Context, id string) error {
	err := q.ledger.Delete(ctx, id)
	if errs.IsNotFound(err) {
		return nil
	}
	return err
}

// ShouldRetry 判断一条消息还值不值得再投一次：
// 次数未耗尽且未超龄。条目不存在视为不重试。
func (q *Queue) ShouldRetry(ctx context.Context, id string) bool {
	it, err := q.ledger.Get(ctx, id)
	if err != nil {
		if !errs.IsNotFound(err) {
			logger.Warnf("outbox: read %s failed: %v", id, err)
		}
		return false
	}
	if it.RetryCount >= q.retries {
		return false
	}
	return time.Since(time.UnixMilli(it.CreatedAtMS)) < q.maxAge
}

// MarkAttempt 记一次投递尝试。耗尽后条目留在台账里等显式移除。
func (q *Queue) MarkAttempt(ctx context.Context, id string) error {
	it, err := q.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	it.RetryCount++
	return q.ledger.Put(ctx, it)
}
