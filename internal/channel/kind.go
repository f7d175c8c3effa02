// Package channel 定义渠道客户端的统一契约：渠道种类、会话联合体、身份载荷与错误分类。
package channel

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindHuawei  Kind = "huawei"
	KindXiaomi  Kind = "xiaomi"
	KindOPPO    Kind = "oppo"
	KindVivo    Kind = "vivo"
	KindWeChat  Kind = "wechat"
	KindGeneric Kind = "generic"
)

// Kinds 按固定顺序列出全部渠道种类。
var Kinds = []Kind{KindHuawei, KindXiaomi, KindOPPO, KindVivo, KindWeChat, KindGeneric}

func ParseKind(raw string) (Kind, error) {
	want := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, k := range Kinds {
		if k == want {
			return k, nil
		}
	}
	return "", fmt.Errorf("未知渠道: %q", raw)
}

// Interactive 报告该渠道是否支持手动导入（需要交互式登录）。
func (k Kind) Interactive() bool {
	return k != KindGeneric && k != ""
}

func (k Kind) Label() string {
	switch k {
	case KindHuawei:
		return "华为"
	case KindXiaomi:
		return "小米"
	case KindOPPO:
		return "OPPO"
	case KindVivo:
		return "vivo"
	case KindWeChat:
		return "微信"
	case KindGeneric:
		return "官服扫码"
	}
	return string(k)
}
