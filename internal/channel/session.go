package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"qrbridge/internal/weblogin"
)

// Session 是按渠道区分的会话联合体：Kind 为判别字段，有且仅有对应的变体被设置。
type Session struct {
	Kind    Kind            `json:"kind"`
	Huawei  *HuaweiSession  `json:"huawei,omitempty"`
	Xiaomi  *XiaomiSession  `json:"xiaomi,omitempty"`
	OPPO    *OPPOSession    `json:"oppo,omitempty"`
	Vivo    *VivoSession    `json:"vivo,omitempty"`
	WeChat  *WeChatSession  `json:"wechat,omitempty"`
	Generic *GenericSession `json:"generic,omitempty"`
}

type HuaweiSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	OpenID       string    `json:"open_id"`
	DisplayName  string    `json:"display_name,omitempty"`
}

type XiaomiSession struct {
	FUID      string `json:"fuid"`
	Token     string `json:"token"`
	SessionID string `json:"session_id,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
}

type OPPOSession struct {
	Token              string    `json:"token"`
	SSOID              string    `json:"ssoid"`
	SecondaryToken     string    `json:"secondary_token,omitempty"`
	RefreshTicket      string    `json:"refresh_ticket,omitempty"`
	SecondaryExpiresAt time.Time `json:"secondary_expires_at,omitempty"`
	// RoleID 记住上次选择的角色。
	RoleID   string `json:"role_id,omitempty"`
	RoleName string `json:"role_name,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

type VivoSession struct {
	Cookies []weblogin.Cookie `json:"cookies"`
	OpenID  string            `json:"open_id"`
	// SubOpenID 记住上次选择的子账号。
	SubOpenID string `json:"sub_open_id,omitempty"`
	SubName   string `json:"sub_name,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
}

type WeChatSession struct {
	OpenID       string    `json:"open_id"`
	UnionID      string    `json:"union_id,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Nickname     string    `json:"nickname,omitempty"`
}

// GenericSession 保存官方扫码登录时截获的原始数据，只能原样回放。
type GenericSession struct {
	UserID       string          `json:"user_id"`
	LoginInfo    json.RawMessage `json:"login_info,omitempty"`
	ExchangeInfo json.RawMessage `json:"exchange_info,omitempty"`
}

func NewHuaweiSession(s HuaweiSession) Session { return Session{Kind: KindHuawei, Huawei: &s} }
func NewXiaomiSession(s XiaomiSession) Session { return Session{Kind: KindXiaomi, Xiaomi: &s} }
func NewOPPOSession(s OPPOSession) Session     { return Session{Kind: KindOPPO, OPPO: &s} }
func NewVivoSession(s VivoSession) Session     { return Session{Kind: KindVivo, Vivo: &s} }
func NewWeChatSession(s WeChatSession) Session { return Session{Kind: KindWeChat, WeChat: &s} }
func NewGenericSession(s GenericSession) Session {
	return Session{Kind: KindGeneric, Generic: &s}
}

// Empty 报告会话是否尚未建立（只有 Kind 没有变体）。
func (s Session) Empty() bool {
	return s.Huawei == nil && s.Xiaomi == nil && s.OPPO == nil && s.Vivo == nil && s.WeChat == nil && s.Generic == nil
}

func (s Session) Validate() error {
	if _, err := ParseKind(string(s.Kind)); err != nil {
		return err
	}
	set := map[Kind]bool{
		KindHuawei:  s.Huawei != nil,
		KindXiaomi:  s.Xiaomi != nil,
		KindOPPO:    s.OPPO != nil,
		KindVivo:    s.Vivo != nil,
		KindWeChat:  s.WeChat != nil,
		KindGeneric: s.Generic != nil,
	}
	for k, ok := range set {
		if ok && k != s.Kind {
			return fmt.Errorf("会话变体与 kind 不一致: kind=%s variant=%s", s.Kind, k)
		}
	}
	return nil
}

func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	out := Session(p)
	if err := out.Validate(); err != nil {
		return err
	}
	*s = out
	return nil
}
