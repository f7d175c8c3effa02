package channel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"qrbridge/internal/devprofile"
	"qrbridge/internal/weblogin"
)

type Identity struct {
	ExternalID  string
	DisplayName string
}

// Client 是所有渠道客户端的统一契约。
type Client interface {
	Kind() Kind
	Session() Session
	Identity() Identity
	TokenValid(ctx context.Context) bool
	// RequestUserLogin 驱动一次交互式登录；成功时填充会话，失败时会话保持未设置。
	RequestUserLogin(ctx context.Context) error
	// UniSDKData 确保会话有效，调用渠道账号接口，再经 uni_sauth 联合登录签名得到完整载荷。
	UniSDKData(ctx context.Context, gameID string) (Payload, error)
}

type LoginRunner interface {
	Run(ctx context.Context, req weblogin.Request) (weblogin.Outcome, error)
	Exclusive(ctx context.Context, title string, fn func(context.Context) error) error
}

type Federator interface {
	Exchange(ctx context.Context, gameID string, p Payload) (Payload, error)
}

// Chooser 是多候选（角色/子账号）时的交互选择；ok=false 表示用户未选择。
type Chooser interface {
	Choose(ctx context.Context, title string, options []string) (index int, ok bool)
}

type Deps struct {
	HTTP       *resty.Client
	Devices    devprofile.Store
	Login      LoginRunner
	Chooser    Chooser
	Federation Federator
	Now        func() time.Time
	Logger     *slog.Logger
}

func (d Deps) Clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) Log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Choose 处理多候选选择：remembered 命中时直接返回；否则询问 Chooser；都没有结果时返回 fallback。
func (d Deps) Choose(ctx context.Context, title string, options []string, remembered int, fallback int) int {
	if remembered >= 0 && remembered < len(options) {
		return remembered
	}
	if d.Chooser != nil && len(options) > 1 {
		if idx, ok := d.Chooser.Choose(ctx, title, options); ok && idx >= 0 && idx < len(options) {
			return idx
		}
	}
	return fallback
}

// LoginError 把 weblogin 的结果映射到渠道错误分类。
func LoginError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, weblogin.ErrCancelled):
		return Wrap(ErrLoginCancelled, err)
	case errors.Is(err, weblogin.ErrFailed):
		return Wrap(ErrRejected, err)
	default:
		return Wrap(ErrLoginCancelled, err)
	}
}
