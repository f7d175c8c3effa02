package channel

import "net/url"

// Payload 是交给真实后端的规范化身份载荷。
type Payload struct {
	UserID          string `json:"user_id"`
	Token           string `json:"token"`
	LoginChannel    string `json:"login_channel"`
	UDID            string `json:"udid"`
	AppChannel      string `json:"app_channel"`
	SDKVersion      string `json:"sdk_version"`
	PayChannel      string `json:"pay_channel"`
	ExtraUniSDKData string `json:"extra_unisdk_data"`

	// 以下两项由登录桥在扫码前附加。
	ScannerUUID string `json:"uuid,omitempty"`
	GameID      string `json:"game_id,omitempty"`
}

func (p Payload) Form() url.Values {
	v := url.Values{}
	v.Set("user_id", p.UserID)
	v.Set("token", p.Token)
	v.Set("login_channel", p.LoginChannel)
	v.Set("udid", p.UDID)
	v.Set("app_channel", p.AppChannel)
	v.Set("sdk_version", p.SDKVersion)
	v.Set("pay_channel", p.PayChannel)
	v.Set("extra_unisdk_data", p.ExtraUniSDKData)
	if p.ScannerUUID != "" {
		v.Set("uuid", p.ScannerUUID)
	}
	if p.GameID != "" {
		v.Set("game_id", p.GameID)
	}
	return v
}

// Validate 在把载荷交给后端前检查必填字段，避免拼出半残身份。
func (p Payload) Validate() error {
	switch {
	case p.UserID == "":
		return Errorf(ErrProtocolShape, "载荷缺少 user_id")
	case p.Token == "":
		return Errorf(ErrProtocolShape, "载荷缺少 token")
	case p.LoginChannel == "":
		return Errorf(ErrProtocolShape, "载荷缺少 login_channel")
	}
	return nil
}
