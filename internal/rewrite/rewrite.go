// Package rewrite 是劫持前端背后的 gin 引擎：白名单登录接口按字段改写后转发给真实后端，
// 其余请求原样透传；另挂一个只允许本机访问的控制命名空间 /_idv-login/。
package rewrite

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"qrbridge/internal/accounts"
	"qrbridge/internal/bridge"
	"qrbridge/internal/channel"
	"qrbridge/internal/channel/wechat"
	"qrbridge/internal/config"
	"qrbridge/internal/middleware"
	"qrbridge/internal/obs"
	"qrbridge/internal/proxylog"
	"qrbridge/internal/upstream"
)

const maxBodyBytes = 8 << 20

// Forwarder 把下游请求按原形态发往真实后端。
type Forwarder interface {
	Do(ctx context.Context, downstream *http.Request, body []byte) (*http.Response, error)
}

type Accounts interface {
	List(gameID string) ([]accounts.ChannelAccount, error)
	Query(id string) (accounts.ChannelAccount, error)
	Rename(id, name string) error
	Delete(id string) error
	SetCrossGame(id string, on bool) error
	ManualImport(ctx context.Context, kind channel.Kind, gameID string) (accounts.ChannelAccount, error)
	ImportFromScan(gameID string, loginInfo []byte, exchange channel.Payload) (accounts.ChannelAccount, error)
}

type Scanner interface {
	SimulateScan(ctx context.Context, accountID, scannerUUID, gameID string) (bridge.Confirmation, error)
}

type QRStatus interface {
	Status() wechat.Status
}

type Options struct {
	Rewrite   config.RewriteConfig
	Upstream  Forwarder
	Accounts  Accounts
	Bridge    Scanner
	Pending   *bridge.PendingStack
	Selection *bridge.Selection
	// WeChatQR 可为空：此时 qrcode 接口返回 404。
	WeChatQR   QRStatus
	FailureLog *proxylog.Writer
	Logger     *slog.Logger
}

type Router struct {
	opts   Options
	log    *slog.Logger
	engine *gin.Engine

	// bridged 记录由登录桥作答的二维码 uuid，查询到确认状态时不再当作官方扫码导入。
	bridged sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pending == nil {
		opts.Pending = bridge.NewPendingStack(0)
	}
	if opts.Selection == nil {
		opts.Selection = bridge.NewSelection()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		opts:   opts,
		log:    opts.Logger,
		engine: gin.New(),
		ctx:    ctx,
		cancel: cancel,
	}
	r.engine.Use(gin.Recovery())
	setLoginRoutes(r.engine, r)
	setControlRoutes(r.engine, r)
	r.engine.NoRoute(r.passthrough)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

// Close 取消仍在进行的异步桥接并等待其退出。
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait 等待已触发的异步桥接完成。
func (r *Router) Wait() {
	r.wg.Wait()
}

func requestBody(c *gin.Context) ([]byte, error) {
	if b := middleware.CachedBody(c.Request.Context()); b != nil {
		return b, nil
	}
	if c.Request.Body == nil {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
}

// passthrough 把请求原样转发，响应按原状态码、原头、原字节流回传。
func (r *Router) passthrough(c *gin.Context) {
	body, err := requestBody(c)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	resp, err := r.opts.Upstream.Do(c.Request.Context(), c.Request, body)
	if err != nil {
		r.badGateway(c, err)
		return
	}
	defer resp.Body.Close()

	upstream.CopyResponseHeaders(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)
	_, _ = io.Copy(c.Writer, resp.Body)
}

// exchange 描述一次白名单接口的改写：mutate 改写 200 响应体，observe 在回写后读取结果。
type exchange struct {
	endpoint string
	gameID   string
	reqBody  []byte
	mutate   func(raw []byte) ([]byte, error)
	observe  func(raw []byte)
}

func (r *Router) forward(c *gin.Context, x exchange) {
	start := time.Now()
	out := c.Request.Clone(c.Request.Context())
	if x.mutate != nil {
		// 要改写的接口由 Transport 协商压缩并自动解压，拿到明文 JSON；其余接口保留客户端的压缩协商，原样回传。
		out.Header.Del("Accept-Encoding")
	}

	resp, err := r.opts.Upstream.Do(c.Request.Context(), out, x.reqBody)
	if err != nil {
		r.badGateway(c, err)
		return
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		r.badGateway(c, err)
		return
	}

	body := raw
	if resp.StatusCode == http.StatusOK && x.mutate != nil {
		patched, err := x.mutate(raw)
		if err != nil {
			r.recordFallback(c, x, resp.StatusCode, len(raw), err, start)
		} else {
			body = patched
		}
	}

	upstream.CopyResponseHeaders(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)
	_, _ = c.Writer.Write(body)

	if resp.StatusCode == http.StatusOK && x.observe != nil {
		plain, err := decodedBody(resp.Header, raw)
		if err != nil {
			r.log.Warn("解码响应失败，跳过观察", "endpoint", x.endpoint, "err", err)
			return
		}
		x.observe(plain)
	}
}

func (r *Router) recordFallback(c *gin.Context, x exchange, status, size int, cause error, start time.Time) {
	obs.RecordRewriteFallback()
	r.log.Warn("改写失败，按原样回传", "endpoint", x.endpoint, "game_id", x.gameID, "err", cause)
	r.opts.FailureLog.WriteFailure(c.Request.Context(), proxylog.Entry{
		RequestID:    middleware.GetRequestID(c.Request.Context()),
		Host:         c.Request.Host,
		Path:         c.Request.URL.Path,
		Method:       c.Request.Method,
		Endpoint:     x.endpoint,
		GameID:       x.gameID,
		StatusCode:   status,
		ErrorClass:   "rewrite",
		ErrorMsg:     cause.Error(),
		ResponseSize: size,
		LatencyMS:    int(time.Since(start).Milliseconds()),
	})
}

func (r *Router) badGateway(c *gin.Context, err error) {
	r.log.Warn("转发到真实后端失败", "path", c.Request.URL.Path, "err", err)
	c.String(http.StatusBadGateway, "upstream unavailable")
}
