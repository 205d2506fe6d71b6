package delivery

// Status 是发送方视角下一条消息的有效状态，
// 由 delivered_to / read_by 两张回执表推导，不落库。
type Status int

const (
	StatusNone Status = iota
	StatusSent
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "none"
	}
}

// Message 是文档存储 messages 集合里的一条消息。
// 正文一经写入不变，两张回执表只增不改。
type Message struct {
	MessageID   string           `json:"message_id"`
	ChatID      string           `json:"chat_id"`
	SenderID    string           `json:"sender_id"`
	Text        string           `json:"text,omitempty"`
	Type        string           `json:"type,omitempty"`
	TimestampMS int64            `json:"timestamp_ms"`
	DeliveredTo map[string]int64 `json:"delivered_to,omitempty"`
	ReadBy      map[string]int64 `json:"read_by,omitempty"`
}

// decodeMessage 从文档字段还原消息。回执表的值兼容
// 驱动可能返回的各种整型/浮点编码。
func decodeMessage(key string, fields map[string]any) Message {
	m := Message{
		MessageID:   key,
		ChatID:      str(fields["chat_id"]),
		SenderID:    str(fields["sender_id"]),
		Text:        str(fields["text"]),
		Type:        str(fields["type"]),
		TimestampMS: asMS(fields["timestamp_ms"]),
		DeliveredTo: asReceiptMap(fields["delivered_to"]),
		ReadBy:      asReceiptMap(fields["read_by"]),
	}
	if id := str(fields["message_id"]); id != "" {
		m.MessageID = id
	}
	return m
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func asMS(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

func asReceiptMap(v any) map[string]int64 {
	raw, ok := v.(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]int64, len(raw))
	for k, val := range raw {
		out[k] = asMS(val)
	}
	return out
}
