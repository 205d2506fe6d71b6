package delivery

import (
	"context"
	"time"

	"SyncCore/logger"
	"SyncCore/service/storage/docstore"
	"SyncCore/tools/errs"
)

// ReceiptEvent 是一次批量回执落库后对外发布的事件，
// 下游（统计、推送）经 Kafka 消费。
type ReceiptEvent struct {
	ChatID     string   `json:"chat_id"`
	UserID     string   `json:"user_id"`
	Kind       string   `json:"kind"` // delivered | read
	MessageIDs []string `json:"message_ids"`
	AtMS       int64    `json:"at_ms"`
}

// ReceiptSink 异步下发回执事件。失败只记日志，不影响落库结果。
type ReceiptSink func(ev ReceiptEvent) error

// Result 汇报一次批量回执：扫到多少、实际写了多少。
// Marked 为空说明全部已有回执，本次是幂等空转。
type Result struct {
	Scanned int
	Marked  []string
}

// Engine 维护消息的 SENT -> DELIVERED -> READ 生命周期。
// 状态永远是推导出来的：两张回执表是唯一事实。
type Engine struct {
	docs docstore.Store
	sink ReceiptSink
}

func NewEngine(docs docstore.Store, sink ReceiptSink) *Engine {
	return &Engine{docs: docs, sink: sink}
}

// ComputeStatus 以 viewerID（通常是发送方）视角推导消息状态：
//
//   - 自己没发的消息不推进状态，一律 None；
//   - 单聊：对端进了 read_by 即 READ，进了 delivered_to 即 DELIVERED；
//   - 群聊：全部其他参与者都已读才算 READ，任何一人送达即 DELIVERED。
//
// 发送者从不算自己消息的接收者。
func ComputeStatus(m Message, viewerID string, participants []string) Status {
	if m.SenderID != viewerID {
		return StatusNone
	}
	others := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != viewerID {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		return StatusSent
	}

	allRead := true
	for _, p := range others {
		if _, ok := m.ReadBy[p]; !ok {
			allRead = false
			break
		}
	}
	if allRead {
		return StatusRead
	}

	for _, p := range others {
		if _, ok := m.DeliveredTo[p]; ok {
			return StatusDelivered
		}
	}
	return StatusSent
}

// MarkDelivered 给 chat 里所有"不是 userID 发的、且 delivered_to
// 还没有 userID"的消息补送达回执。重复调用是空转。
func (e *Engine) MarkDelivered(ctx context.Context, chatID, userID string) (Result, error) {
	return e.mark(ctx, chatID, userID, false)
}

// MarkRead 同 MarkDelivered，但写 read_by；并且只要写 read_by，
// 就顺手回填缺失的 delivered_to——读回执先于送达回执到达是
// 存储延迟下的合法序，不当异常处理。
func (e *Engine) MarkRead(ctx context.Context, chatID, userID string) (Result, error) {
	return e.mark(ctx, chatID, userID, true)
}

func (e *Engine) mark(ctx context.Context, chatID, userID string, read bool) (Result, error) {
	if chatID == "" || userID == "" {
		return Result{}, errs.New("delivery: chat and user are required")
	}
	docs, err := e.docs.Query(ctx, docstore.CollMessages, map[string]any{"chat_id": chatID})
	if err != nil {
		return Result{}, errs.WrapMsg(err, "delivery: scan chat messages", "chat", chatID)
	}

	now := time.Now().UnixMilli()
	ops := make([]docstore.WriteOp, 0, len(docs))
	marked := make([]string, 0, len(docs))
	for _, d := range docs {
		m := decodeMessage(d.Key, d.Fields)
		if m.SenderID == userID {
			continue
		}
		merge := map[string]any{}
		if read {
			if _, ok := m.ReadBy[userID]; ok {
				continue
			}
			merge["read_by."+userID] = now
			if _, ok := m.DeliveredTo[userID]; !ok {
				merge["delivered_to."+userID] = now // 回填
			}
		} else {
			if _, ok := m.DeliveredTo[userID]; ok {
				continue
			}
			merge["delivered_to."+userID] = now
		}
		ops = append(ops, docstore.WriteOp{
			Collection: docstore.CollMessages,
			Key:        d.Key,
			Merge:      merge,
		})
		marked = append(marked, m.MessageID)
	}

	res := Result{Scanned: len(docs), Marked: marked}
	if len(ops) == 0 {
		return res, nil
	}
	// 批量写不原子：半途失败不回滚已落的项，重试只会补剩余的
	if err := e.docs.BatchWrite(ctx, ops); err != nil {
		return res, errs.WrapMsg(err, "delivery: batch receipt write", "chat", chatID, "user", userID)
	}

	if e.sink != nil {
		kind := "delivered"
		if read {
			kind = "read"
		}
		ev := ReceiptEvent{ChatID: chatID, UserID: userID, Kind: kind, MessageIDs: marked, AtMS: now}
		if serr := e.sink(ev); serr != nil {
			logger.Warnf("delivery: receipt sink failed for chat %s: %v", chatID, serr)
		}
	}
	return res, nil
}
