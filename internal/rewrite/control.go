package rewrite

import (
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"qrbridge/internal/accounts"
	"qrbridge/internal/bridge"
	"qrbridge/internal/channel"
	"qrbridge/internal/proxylog"
	"qrbridge/internal/security"
	"qrbridge/internal/version"
)

const (
	controlPrefix = "/_idv-login"
	qrPNGSize     = 280

	maxFailureList = 200
)

type accountView struct {
	UUID        string       `json:"uuid"`
	Kind        channel.Kind `json:"kind"`
	Name        string       `json:"name"`
	GameID      string       `json:"game_id,omitempty"`
	CrossGame   bool         `json:"cross_game"`
	CreatedAt   time.Time    `json:"created_at"`
	LastLoginAt time.Time    `json:"last_login_at"`
	ExternalID  string       `json:"external_id"`
	Selected    bool         `json:"selected"`
}

func toView(a accounts.ChannelAccount, selected string) accountView {
	return accountView{
		UUID:        a.UUID,
		Kind:        a.Kind,
		Name:        a.DisplayName,
		GameID:      a.GameID,
		CrossGame:   a.CrossGame,
		CreatedAt:   a.CreatedAt,
		LastLoginAt: a.LastLoginAt,
		ExternalID:  a.ExternalID,
		Selected:    selected != "" && a.UUID == selected,
	}
}

type pendingView struct {
	QRCodeUUID string    `json:"uuid"`
	ProcessID  string    `json:"process_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Observed   bool      `json:"observed"`
}

func setControlRoutes(r *gin.Engine, rt *Router) {
	g := r.Group(controlPrefix)
	g.Use(loopbackOnly(), gzip.Gzip(gzip.DefaultCompression))

	g.GET("/list", rt.listAccounts)
	g.GET("/switch", rt.switchAccount)
	g.GET("/clear", rt.clearSelection)
	g.POST("/rename", rt.renameAccount)
	g.GET("/del", rt.deleteAccount)
	g.GET("/cross_game", rt.setCrossGame)
	g.GET("/import", rt.importAccount)
	g.GET("/pending", rt.listPending)
	g.GET("/qrcode", rt.wechatQR)
	g.GET("/failures", rt.listFailures)
	g.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "", "data": version.Info()})
	})
	g.GET("/debug/vars", gin.WrapH(expvar.Handler()))
}

// loopbackOnly 拒绝非本机来源，控制接口可以切换账号、触发登录。
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !security.IsLoopbackRequest(c.Request) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(http.StatusOK, gin.H{"success": false, "message": errorMessage(err)})
}

func succeed(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "", "data": data})
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, accounts.ErrNotFound):
		return "账号不存在"
	case errors.Is(err, bridge.ErrBackend):
		return "真实后端拒绝了扫码确认"
	}
	if _, isChannel := channel.CodeOf(err); isChannel {
		return channel.UserMessage(err)
	}
	return err.Error()
}

func (rt *Router) listAccounts(c *gin.Context) {
	gameID := c.Query("game_id")
	list, err := rt.opts.Accounts.List(gameID)
	if err != nil {
		fail(c, err)
		return
	}
	selected, _ := rt.opts.Selection.Selected(gameID)
	out := make([]accountView, 0, len(list))
	for _, a := range list {
		out = append(out, toView(a, selected))
	}
	succeed(c, out)
}

// switchAccount 选中账号；若该游戏已有待回答的二维码，立即桥接。带 process_id 时优先该进程的二维码，否则取最新的。
func (rt *Router) switchAccount(c *gin.Context) {
	id := strings.TrimSpace(c.Query("uuid"))
	gameID := c.Query("game_id")
	acc, err := rt.opts.Accounts.Query(id)
	if err != nil {
		fail(c, err)
		return
	}
	rt.opts.Selection.Select(gameID, acc.UUID)
	rt.log.Info("已选择渠道账号", "uuid", acc.UUID, "game_id", gameID)

	p, pending := rt.opts.Pending.Pop(gameID, strings.TrimSpace(c.Query("process_id")))
	if !pending {
		succeed(c, gin.H{"uuid": acc.UUID, "bridged": false})
		return
	}
	rt.bridged.Store(p.QRCodeUUID, struct{}{})
	conf, err := rt.opts.Bridge.SimulateScan(c.Request.Context(), acc.UUID, p.QRCodeUUID, gameID)
	if err != nil {
		rt.bridged.Delete(p.QRCodeUUID)
		fail(c, err)
		return
	}
	succeed(c, gin.H{"uuid": acc.UUID, "bridged": true, "confirmation": conf})
}

// listFailures 返回最近的改写失败摘要；未开启失败记录时返回空列表。
func (rt *Router) listFailures(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > maxFailureList {
		limit = 20
	}
	entries, err := rt.opts.FailureLog.Recent(limit)
	if err != nil {
		fail(c, err)
		return
	}
	if entries == nil {
		entries = []proxylog.Entry{}
	}
	succeed(c, entries)
}

func (rt *Router) clearSelection(c *gin.Context) {
	rt.opts.Selection.Clear(c.Query("game_id"))
	succeed(c, nil)
}

func (rt *Router) renameAccount(c *gin.Context) {
	var req struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.New("请求格式错误"))
		return
	}
	if err := rt.opts.Accounts.Rename(req.UUID, req.Name); err != nil {
		fail(c, err)
		return
	}
	succeed(c, nil)
}

func (rt *Router) deleteAccount(c *gin.Context) {
	id := c.Query("uuid")
	if err := rt.opts.Accounts.Delete(id); err != nil {
		fail(c, err)
		return
	}
	rt.opts.Selection.Forget(id)
	succeed(c, nil)
}

// setCrossGame 切换账号是否对所有游戏可见；on 缺省为 true。
func (rt *Router) setCrossGame(c *gin.Context) {
	on, err := strconv.ParseBool(c.DefaultQuery("on", "true"))
	if err != nil {
		fail(c, errors.New("on 只能是 true/false"))
		return
	}
	id := strings.TrimSpace(c.Query("uuid"))
	if err := rt.opts.Accounts.SetCrossGame(id, on); err != nil {
		fail(c, err)
		return
	}
	rt.log.Info("已更新跨游戏可见", "uuid", id, "cross_game", on)
	succeed(c, gin.H{"uuid": id, "cross_game": on})
}

// importAccount 拉起交互式渠道登录，请求会一直挂起到登录结束。
func (rt *Router) importAccount(c *gin.Context) {
	kind, err := channel.ParseKind(c.Query("channel"))
	if err != nil {
		fail(c, err)
		return
	}
	acc, err := rt.opts.Accounts.ManualImport(c.Request.Context(), kind, c.Query("game_id"))
	if err != nil {
		fail(c, err)
		return
	}
	succeed(c, toView(acc, ""))
}

func (rt *Router) listPending(c *gin.Context) {
	list := rt.opts.Pending.Peek(c.Query("game_id"))
	out := make([]pendingView, 0, len(list))
	for _, p := range list {
		out = append(out, pendingView{
			QRCodeUUID: p.QRCodeUUID,
			ProcessID:  p.ProcessID,
			CreatedAt:  p.CreatedAt,
			Observed:   len(p.LoginInfo) > 0,
		})
	}
	succeed(c, out)
}

// wechatQR 输出微信扫码登录的二维码；format=json 时返回状态。
func (rt *Router) wechatQR(c *gin.Context) {
	if ch := c.DefaultQuery("channel", string(channel.KindWeChat)); ch != string(channel.KindWeChat) || rt.opts.WeChatQR == nil {
		c.Status(http.StatusNotFound)
		return
	}
	st := rt.opts.WeChatQR.Status()
	if c.Query("format") == "json" {
		succeed(c, st)
		return
	}
	png := st.PNG
	if len(png) == 0 && st.QRURL != "" && !st.State.Terminal() {
		var err error
		if png, err = qrcode.Encode(st.QRURL, qrcode.Medium, qrPNGSize); err != nil {
			rt.log.Warn("生成二维码失败", "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}
	}
	if len(png) == 0 {
		c.Status(http.StatusNotFound)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}
