package channel

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorCode string

const (
	// ErrTransport 外部请求网络/HTTP 失败：本次操作失败，不做内部重试。
	ErrTransport ErrorCode = "transport"
	// ErrProtocolShape 响应缺字段或类型不符：必须报错，不能用默认值兜底。
	ErrProtocolShape ErrorCode = "protocol_shape"
	// ErrSignature 降级响应签名校验失败：直接中止。
	ErrSignature ErrorCode = "signature"
	// ErrSessionExpired 会话被远端拒绝：调用方应触发一次重新登录。
	ErrSessionExpired ErrorCode = "session_expired"
	ErrLoginCancelled ErrorCode = "login_cancelled"
	ErrNoCandidate    ErrorCode = "no_candidate"
	ErrUnsupported    ErrorCode = "unsupported"
	ErrRejected       ErrorCode = "rejected"
)

type Error struct {
	Code  ErrorCode
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("channel: %s", e.Code)
	}
	return fmt.Sprintf("channel: %s: %v", e.Code, e.Cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func Wrap(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Code == code {
		return err
	}
	return &Error{Code: code, Cause: err}
}

func Errorf(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Cause: fmt.Errorf(format, args...)}
}

func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

func Is(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

func IsSessionExpired(err error) bool { return Is(err, ErrSessionExpired) }

func UserMessage(err error) string {
	code, ok := CodeOf(err)
	if !ok {
		if err == nil {
			return ""
		}
		return "发生未知错误"
	}
	switch code {
	case ErrTransport:
		msg := "访问渠道服务器失败，请检查网络后重试"
		if cause := errors.Unwrap(err); cause != nil {
			s := strings.TrimSpace(cause.Error())
			if strings.Contains(s, "i/o timeout") || strings.Contains(s, "TLS handshake timeout") {
				return msg + "（连接超时）"
			}
		}
		return msg
	case ErrProtocolShape:
		return "渠道服务器返回了无法识别的数据，已中止登录"
	case ErrSignature:
		return "渠道响应签名校验失败，已中止登录"
	case ErrSessionExpired:
		return "渠道登录已过期，请重新登录"
	case ErrLoginCancelled:
		return "登录已取消"
	case ErrNoCandidate:
		return "该渠道账号下没有可用的角色或子账号"
	case ErrUnsupported:
		return "该渠道不支持此操作"
	case ErrRejected:
		return "渠道服务器拒绝了登录请求"
	default:
		return "发生未知错误"
	}
}
