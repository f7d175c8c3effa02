// Package platforms 按渠道类型构造 channel.Client。
package platforms

import (
	"fmt"

	"qrbridge/internal/channel"
	"qrbridge/internal/channel/huawei"
	"qrbridge/internal/channel/oppo"
	"qrbridge/internal/channel/vivo"
	"qrbridge/internal/channel/wechat"
	"qrbridge/internal/channel/xiaomi"
	"qrbridge/internal/config"
)

type Factory struct {
	Deps     channel.Deps
	Channels config.ChannelsConfig
	// WeChat 为微信扫码状态缓存，控制接口通过同一个实例读取二维码。
	WeChat *wechat.Board
}

func NewFactory(deps channel.Deps, channels config.ChannelsConfig) *Factory {
	return &Factory{Deps: deps, Channels: channels, WeChat: wechat.NewBoard()}
}

// New 构造 kind 对应的客户端并绑定已有会话（可为空）。generic 账号只能回放截获的数据，没有客户端。
func (f *Factory) New(kind channel.Kind, sess channel.Session) (channel.Client, error) {
	if !sess.Empty() && sess.Kind != kind {
		return nil, channel.Errorf(channel.ErrProtocolShape, "会话类型 %s 与渠道 %s 不一致", sess.Kind, kind)
	}
	switch kind {
	case channel.KindHuawei:
		return huawei.New(f.Channels.Huawei, f.Deps, sess.Huawei), nil
	case channel.KindXiaomi:
		return xiaomi.New(f.Channels.Xiaomi, f.Deps, sess.Xiaomi), nil
	case channel.KindOPPO:
		return oppo.New(f.Channels.OPPO, f.Deps, sess.OPPO), nil
	case channel.KindVivo:
		return vivo.New(f.Channels.Vivo, f.Deps, sess.Vivo), nil
	case channel.KindWeChat:
		return wechat.New(f.Channels.WeChat, f.Deps, f.WeChat, sess.WeChat), nil
	case channel.KindGeneric:
		return nil, channel.Errorf(channel.ErrUnsupported, "官方扫码导入的账号不支持渠道登录")
	default:
		return nil, channel.Wrap(channel.ErrUnsupported, fmt.Errorf("未知渠道: %q", kind))
	}
}
