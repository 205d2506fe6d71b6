package errs

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Kind 是错误的封闭分类。调用方只依赖 Kind 做分支，
// 不再依赖动态的 .code 字段。
type Kind int

const (
	// KindTransient 网络/超时类，幂等操作可安全重试。
	KindTransient Kind = iota + 1
	// KindConflict 会话注册等竞态，由协议收敛，不上抛给用户。
	KindConflict
	// KindNotFound 被监听的键/文档不存在。多数场景是合法状态而非错误。
	KindNotFound
	// KindPermission 权限不足。对本次操作致命，对进程不致命。
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// CodeError 携带机器可读的 Kind 与人读的 Msg/Detail。
type CodeError struct {
	Kind   Kind   `json:"kind"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
	cause  error
}

func NewKind(kind Kind, msg string) *CodeError {
	return &CodeError{Kind: kind, Msg: msg}
}

// 常用构造
func Transient(msg string) *CodeError  { return NewKind(KindTransient, msg) }
func Conflict(msg string) *CodeError   { return NewKind(KindConflict, msg) }
func NotFound(msg string) *CodeError   { return NewKind(KindNotFound, msg) }
func Permission(msg string) *CodeError { return NewKind(KindPermission, msg) }

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, e.Kind.String(), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) Unwrap() error { return e.cause }

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Kind: e.Kind, Msg: e.Msg, Detail: d, cause: e.cause}
}

// WrapMsg 克隆并附加 kv 细节，保留底层 cause。
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	detail := toString(msg, kv)
	out := &CodeError{Kind: e.Kind, Msg: e.Msg, Detail: e.Detail, cause: e.cause}
	if detail != "" {
		if out.Detail == "" {
			out.Detail = detail
		} else {
			out.Detail += ", " + detail
		}
	}
	return out
}

// WrapCause 挂接底层错误（store 驱动返回的原始 error）。
func (e *CodeError) WrapCause(cause error) error {
	return &CodeError{Kind: e.Kind, Msg: e.Msg, Detail: e.Detail, cause: cause}
}

func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == e.Kind
}

// KindOf 提取错误分类；非 CodeError 一律视为 Transient（外部 I/O 错误兜底）。
func KindOf(err error) Kind {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// IsNotFound 判定“键不存在”这种合法状态。
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// New 普通错误（无分类），kv 对拼接进消息。
func New(msg string, kv ...any) error {
	return errors.New(toString(msg, kv))
}

// Wrap 附加调用栈，错误本身原样透传。nil 入 nil 出。
func Wrap(err error) error {
	return pkgerrors.WithStack(err)
}

// WrapMsg 包装底层错误并附加上下文消息与 kv 对。
// 已分类的 CodeError 保持其 Kind 可被 IsKind 继续识别。
func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	withMessage := pkgerrors.WithMessage(err, toString(msg, kv))
	return pkgerrors.WithStack(withMessage)
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i > 0 || msg != "" {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		}
	}
	return sb.String()
}
