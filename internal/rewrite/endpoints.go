package rewrite

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"qrbridge/internal/bridge"
	"qrbridge/internal/channel"
	"qrbridge/internal/config"
)

const (
	// qrStatusConfirmed 为二维码已被扫描并确认登录。
	qrStatusConfirmed = 2

	processIDHeader = "X-Process-Id"

	defaultScanLoginChannel = "netease"
)

var errNotJSON = errors.New("响应不是合法 JSON")

func setLoginRoutes(r *gin.Engine, rt *Router) {
	r.GET("/mpay/games/pc_config", rt.pcConfig)
	r.GET("/mpay/games/:game_id/login_methods", rt.loginMethods)
	r.POST("/mpay/games/:game_id/devices/:device_id/users", rt.deviceUsers)
	r.GET("/mpay/api/qrcode/create_login", rt.createLogin)
	r.GET("/mpay/api/qrcode/query", rt.queryLogin)
	r.POST("/mpay/api/qrcode/query", rt.queryLogin)
}

func (rt *Router) pcConfig(c *gin.Context) {
	cfg := rt.opts.Rewrite
	x := exchange{endpoint: "pc_config", gameID: c.Query("game_id")}
	if cfg.VersionOverride != "" {
		x.mutate = func(raw []byte) ([]byte, error) {
			return patchVersion(raw, cfg.VersionPath, cfg.VersionOverride)
		}
	}
	rt.forward(c, x)
}

func (rt *Router) loginMethods(c *gin.Context) {
	gameID := c.Param("game_id")
	x := exchange{endpoint: "login_methods", gameID: gameID}
	// 已选中渠道账号时不注入，交给登录桥作答。
	if _, selected := rt.opts.Selection.Selected(gameID); !selected {
		patches := loginMethodPatches(rt.opts.Rewrite)
		if len(patches) > 0 {
			x.mutate = func(raw []byte) ([]byte, error) {
				return applyPatches(raw, patches)
			}
		}
	}
	rt.forward(c, x)
}

func (rt *Router) deviceUsers(c *gin.Context) {
	body, err := requestBody(c)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	gameID := c.Param("game_id")
	x := exchange{endpoint: "device_users", gameID: gameID, reqBody: body}

	patched, err := patchDeviceRequest(body, c.GetHeader("Content-Type"), deviceFields(rt.opts.Rewrite))
	if err != nil {
		rt.recordFallback(c, x, 0, len(body), err, time.Now())
	} else {
		x.reqBody = patched
	}
	rt.forward(c, x)
}

func (rt *Router) createLogin(c *gin.Context) {
	gameID := c.Query("game_id")
	processID := c.Query("process_id")
	if processID == "" {
		processID = c.GetHeader(processIDHeader)
	}
	rt.forward(c, exchange{
		endpoint: "create_login",
		gameID:   gameID,
		observe: func(raw []byte) {
			qrUUID := firstString(raw, "uuid", "data.uuid", "qrcode.uuid")
			if qrUUID == "" {
				rt.log.Warn("create_login 响应缺少 uuid", "game_id", gameID)
				return
			}
			rt.opts.Pending.Push(bridge.PendingLogin{
				GameID:     gameID,
				ProcessID:  processID,
				QRCodeUUID: qrUUID,
				CreatedAt:  time.Now(),
			})
			if accountID, ok := rt.opts.Selection.Selected(gameID); ok {
				rt.bridgeAsync(gameID, processID, accountID)
			}
		},
	})
}

func (rt *Router) queryLogin(c *gin.Context) {
	body, err := requestBody(c)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	gameID := c.Query("game_id")
	qrUUID := c.Query("uuid")
	if c.Request.Method == http.MethodPost {
		if form, err := url.ParseQuery(string(body)); err == nil {
			if gameID == "" {
				gameID = form.Get("game_id")
			}
			if qrUUID == "" {
				qrUUID = form.Get("uuid")
			}
		}
	}
	rt.forward(c, exchange{
		endpoint: "qrcode_query",
		gameID:   gameID,
		reqBody:  body,
		observe: func(raw []byte) {
			rt.observeScan(gameID, qrUUID, raw)
		},
	})
}

// observeScan 在官方扫码确认后把登录信息记为通用账号；登录桥自己作答的二维码除外。
func (rt *Router) observeScan(gameID, qrUUID string, raw []byte) {
	info, p, done, err := scanResult(raw)
	if !done {
		return
	}
	if qrUUID != "" {
		if _, ours := rt.bridged.LoadAndDelete(qrUUID); ours {
			return
		}
	}
	if err != nil {
		rt.log.Warn("扫码确认结果无法识别", "game_id", gameID, "err", err)
		return
	}
	rt.opts.Pending.Attach(gameID, qrUUID, info)
	if _, err := rt.opts.Accounts.ImportFromScan(gameID, info, p); err != nil {
		rt.log.Warn("记录官方扫码账号失败", "game_id", gameID, "err", err)
	}
}

func (rt *Router) bridgeAsync(gameID, processID, accountID string) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		p, ok := rt.opts.Pending.Pop(gameID, processID)
		if !ok {
			return
		}
		rt.bridged.Store(p.QRCodeUUID, struct{}{})
		if _, err := rt.opts.Bridge.SimulateScan(rt.ctx, accountID, p.QRCodeUUID, gameID); err != nil {
			rt.bridged.Delete(p.QRCodeUUID)
			rt.log.Warn("自动桥接失败", "game_id", gameID, "account", accountID, "err", err)
		}
	}()
}

func patchVersion(raw []byte, path, version string) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errNotJSON
	}
	if path == "" {
		path = "version"
	}
	if !gjson.GetBytes(raw, path).Exists() {
		return nil, fmt.Errorf("响应缺少字段 %s", path)
	}
	return sjson.SetBytes(raw, path, version)
}

func loginMethodPatches(cfg config.RewriteConfig) []config.JSONPatch {
	out := append([]config.JSONPatch(nil), cfg.LoginMethodPatches...)
	if d, ok := cfg.Distributions[cfg.Distribution]; ok && cfg.Distribution != "" {
		out = append(out, d.LoginMethodPatches...)
	}
	return out
}

func applyPatches(raw []byte, patches []config.JSONPatch) ([]byte, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, errNotJSON
	}
	out := raw
	for _, p := range patches {
		if p.Path == "" {
			continue
		}
		next, err := sjson.SetBytes(out, p.Path, p.Value)
		if err != nil {
			return nil, fmt.Errorf("写入 %s 失败: %w", p.Path, err)
		}
		out = next
	}
	return out, nil
}

// deviceFields 合并全局设备覆盖与当前分发渠道的覆盖，后者优先。
func deviceFields(cfg config.RewriteConfig) map[string]string {
	out := make(map[string]string, len(cfg.DeviceOverrides))
	for k, v := range cfg.DeviceOverrides {
		out[k] = v
	}
	if d, ok := cfg.Distributions[cfg.Distribution]; ok && cfg.Distribution != "" {
		for k, v := range d.Fields {
			out[k] = v
		}
		if d.AppChannel != "" {
			out["app_channel"] = d.AppChannel
		}
	}
	return out
}

// patchDeviceRequest 删除 arch 并写入覆盖字段；JSON 与表单两种请求体都支持。
func patchDeviceRequest(body []byte, contentType string, fields map[string]string) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		form.Del("arch")
		for _, k := range keys {
			form.Set(k, fields[k])
		}
		return []byte(form.Encode()), nil
	}

	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, errNotJSON
	}
	out, err := sjson.DeleteBytes(body, "arch")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if out, err = sjson.SetBytes(out, k, fields[k]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func firstString(raw []byte, paths ...string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(raw, p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// scanResult 解析 qrcode/query 响应；done 表示二维码已确认，此时 info 为账号信息对象。
func scanResult(raw []byte) (info []byte, p channel.Payload, done bool, err error) {
	if !gjson.ValidBytes(raw) {
		return nil, p, false, nil
	}
	st := gjson.GetBytes(raw, "qrcode.status")
	if !st.Exists() {
		st = gjson.GetBytes(raw, "status")
	}
	if st.Type != gjson.Number || st.Int() != qrStatusConfirmed {
		return nil, p, false, nil
	}

	user := gjson.GetBytes(raw, "user")
	if !user.IsObject() {
		user = gjson.GetBytes(raw, "login_info")
	}
	if !user.IsObject() {
		return nil, p, true, errors.New("确认结果缺少账号信息")
	}
	f, err := channel.Item(user)
	if err != nil {
		return nil, p, true, err
	}
	if p.UserID, err = f.RequireID("id"); err != nil {
		return nil, p, true, err
	}
	if p.Token, err = f.RequireString("token"); err != nil {
		return nil, p, true, err
	}
	p.LoginChannel = f.OptionalString("login_channel")
	if p.LoginChannel == "" {
		p.LoginChannel = defaultScanLoginChannel
	}
	p.UDID = f.OptionalString("udid")
	p.AppChannel = f.OptionalString("app_channel")
	p.SDKVersion = f.OptionalString("sdk_version")
	p.PayChannel = f.OptionalString("pay_channel")
	p.ExtraUniSDKData = f.OptionalString("extra_unisdk_data")

	info = []byte(user.Raw)
	if !json.Valid(info) {
		return nil, p, true, errNotJSON
	}
	return info, p, true, nil
}
