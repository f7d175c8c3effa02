// Package front 把游戏客户端的流量引到本机：改 hosts 指向回环地址并在 443 上提供 TLS；
// 没有权限改 hosts 时退化为显式 MITM 代理。
package front

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"qrbridge/internal/certs"
	"qrbridge/internal/config"
)

type Mode string

const (
	ModeHosts Mode = "hosts"
	ModeProxy Mode = "proxy"
)

// CertSource 提供劫持域名的证书材料。
type CertSource interface {
	Ensure() (certs.Material, error)
}

// PortReclaimer 在端口被占用时决定是否结束占用者。
type PortReclaimer interface {
	OfferTerminate(port int) bool
}

// DeclineReclaimer 从不结束其他进程。
type DeclineReclaimer struct{}

func (DeclineReclaimer) OfferTerminate(int) bool { return false }

type Options struct {
	Config    config.FrontConfig
	Certs     CertSource
	Resolver  Resolver
	Reclaimer PortReclaimer
	Handler   http.Handler
	Logger    *slog.Logger

	// Listen 默认 net.Listen。
	Listen func(network, addr string) (net.Listener, error)
}

type Front struct {
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	mode       Mode
	server     *http.Server
	addr       net.Addr
	redirected []string
	material   certs.Material
	serveErr   chan error
}

func New(opts Options) *Front {
	if opts.Reclaimer == nil {
		opts.Reclaimer = DeclineReclaimer{}
	}
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Front{opts: opts, log: opts.Logger}
}

// Start 准备证书、改写解析并开始监听。任一步失败都会撤销已做的改动并返回错误。
func (f *Front) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.server != nil {
		return errors.New("front 已启动")
	}
	if f.opts.Handler == nil || f.opts.Certs == nil {
		return errors.New("front 缺少 Handler 或 Certs")
	}

	m, err := f.opts.Certs.Ensure()
	if err != nil {
		return fmt.Errorf("准备证书失败: %w", err)
	}
	leaf, err := m.TLSCertificate()
	if err != nil {
		return fmt.Errorf("加载叶子证书失败: %w", err)
	}
	f.material = m

	mode := ModeHosts
	if f.opts.Config.ForceFallback || f.opts.Resolver == nil {
		mode = ModeProxy
	} else if err := f.redirectAll(); err != nil {
		if !errors.Is(err, fs.ErrPermission) {
			return err
		}
		f.log.Warn("无权限修改 hosts，改用代理模式", "fallback_addr", f.opts.Config.FallbackAddr, "err", err)
		mode = ModeProxy
	}

	var ln net.Listener
	var handler http.Handler
	switch mode {
	case ModeHosts:
		ln, err = f.listen(f.opts.Config.ListenAddr)
		if err != nil {
			f.restoreAll()
			return err
		}
		ln = tls.NewListener(ln, serverTLSConfig(leaf))
		handler = f.opts.Handler
	default:
		ln, err = f.listen(f.opts.Config.FallbackAddr)
		if err != nil {
			return err
		}
		handler = newMITMProxy(f.opts.Config.Domains, leaf, f.opts.Handler, f.log)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: seconds(f.opts.Config.ReadHeaderTimeoutSeconds),
		IdleTimeout:       seconds(f.opts.Config.IdleTimeoutSeconds),
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	f.server = srv
	f.mode = mode
	f.addr = ln.Addr()
	f.serveErr = make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		f.serveErr <- err
	}()

	f.log.Info("拦截前端已启动", "mode", string(mode), "addr", ln.Addr().String(), "domains", f.opts.Config.Domains, "cert_not_after", m.NotAfter)
	return nil
}

func (f *Front) redirectAll() error {
	for _, d := range f.opts.Config.Domains {
		if err := f.opts.Resolver.Redirect(d, f.opts.Config.LoopbackIP); err != nil {
			f.restoreAll()
			return fmt.Errorf("改写 %s 解析失败: %w", d, err)
		}
		f.redirected = append(f.redirected, d)
	}
	return nil
}

func (f *Front) restoreAll() error {
	var errs []error
	for _, d := range f.redirected {
		if err := f.opts.Resolver.Restore(d); err != nil {
			f.log.Error("恢复 hosts 失败", "domain", d, "err", err)
			errs = append(errs, fmt.Errorf("恢复 %s: %w", d, err))
		}
	}
	f.redirected = nil
	return errors.Join(errs...)
}

// listen 端口被占用时询问一次 PortReclaimer，同意则重试一次。
func (f *Front) listen(addr string) (net.Listener, error) {
	ln, err := f.opts.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !isAddrInUse(err) {
		return nil, fmt.Errorf("监听 %s 失败: %w", addr, err)
	}
	port := portOf(addr)
	if !f.opts.Reclaimer.OfferTerminate(port) {
		return nil, fmt.Errorf("端口 %d 已被占用: %w", port, err)
	}
	ln, err = f.opts.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("重试监听 %s 失败: %w", addr, err)
	}
	return ln, nil
}

// Shutdown 停止监听并恢复 hosts；根证书保留在信任库中。
func (f *Front) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	if f.server != nil {
		if err := f.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		f.server = nil
	}
	if err := f.restoreAll(); err != nil {
		errs = append(errs, err)
	}
	f.log.Info("拦截前端已停止")
	return errors.Join(errs...)
}

// Done 在服务异常退出时收到错误。
func (f *Front) Done() <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serveErr
}

func (f *Front) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *Front) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

func (f *Front) Material() certs.Material {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.material
}

func serverTLSConfig(leaf tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{leaf},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") || strings.Contains(msg, "only one usage of each socket address")
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
