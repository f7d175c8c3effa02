package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"qrbridge/internal/accounts"
	"qrbridge/internal/bridge"
	"qrbridge/internal/certs"
	"qrbridge/internal/channel"
	"qrbridge/internal/config"
	"qrbridge/internal/devprofile"
	"qrbridge/internal/front"
	"qrbridge/internal/middleware"
	"qrbridge/internal/obs"
	"qrbridge/internal/platforms"
	"qrbridge/internal/proxylog"
	"qrbridge/internal/rewrite"
	"qrbridge/internal/unisauth"
	"qrbridge/internal/upstream"
	"qrbridge/internal/weblogin"
)

const maxCachedBody = 8 << 20

// app 持有一次进程生命周期内共享的组件。
type app struct {
	cfg     config.Config
	log     *slog.Logger
	factory *platforms.Factory
	store   *accounts.Store
}

func loadApp(chooser channel.Chooser) (*app, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger := obs.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	httpClient := channel.NewHTTPClient(channel.HTTPOptions{
		Timeout:   time.Duration(cfg.Channels.HTTPTimeoutSeconds) * time.Second,
		UserAgent: cfg.Channels.UserAgent,
		Proxy:     cfg.Channels.Proxy,
	})
	deps := channel.Deps{
		HTTP:    httpClient,
		Devices: devprofile.NewFileStore(filepath.Join(cfg.DataDir, "devices")),
		Login: weblogin.NewRunner(&weblogin.RodDriver{
			Bin:         cfg.Browser.Bin,
			Headless:    cfg.Browser.Headless,
			UserDataDir: cfg.Browser.UserDataDir,
		}),
		Chooser:    chooser,
		Federation: unisauth.NewClient(cfg, httpClient),
		Logger:     logger,
	}
	factory := platforms.NewFactory(deps, cfg.Channels)
	store := accounts.NewStore(filepath.Join(cfg.DataDir, "accounts.json"), factory, accounts.WithLogger(logger))
	return &app{cfg: cfg, log: logger, factory: factory, store: store}, nil
}

func (a *app) authority() *certs.Authority {
	return certs.New(a.cfg.Certs, a.cfg.Front.Domains, certs.NewSystemTrust(a.cfg.Certs.Dir), certs.WithLogger(a.log))
}

func (a *app) router() *rewrite.Router {
	exec := upstream.NewExecutor(a.cfg.Backend)
	failures := proxylog.New(proxylog.Config{
		Enable:   a.cfg.Rewrite.FailureLog.Enable,
		Dir:      a.cfg.Rewrite.FailureLog.Dir,
		MaxFiles: a.cfg.Rewrite.FailureLog.MaxFiles,
		Logger:   a.log,
	})
	br := bridge.New(a.store, exec, a.cfg.Debug.ScannerID, a.log)
	rt := rewrite.New(rewrite.Options{
		Rewrite:    a.cfg.Rewrite,
		Upstream:   exec,
		Accounts:   a.store,
		Bridge:     br,
		Pending:    bridge.NewPendingStack(0),
		Selection:  bridge.NewSelection(),
		WeChatQR:   a.factory.WeChat,
		FailureLog: failures,
		Logger:     a.log,
	})
	return rt
}

// newFront 在改写路由外面套上中间件链。
func (a *app) newFront(handler *rewrite.Router) *front.Front {
	chain := middleware.Chain(handler,
		middleware.RequestID,
		middleware.AccessLog,
		middleware.BodyCache(maxCachedBody),
	)
	return front.New(front.Options{
		Config:   a.cfg.Front,
		Certs:    a.authority(),
		Resolver: front.NewHostsFile(a.cfg.Front.HostsPath),
		Handler:  chain,
		Logger:   a.log,
	})
}

// promptChooser 在终端里让用户从多个候选中选一个；直接回车表示不选。
type promptChooser struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptChooser(in io.Reader, out io.Writer) *promptChooser {
	return &promptChooser{in: bufio.NewReader(in), out: out}
}

func (p *promptChooser) Choose(ctx context.Context, title string, options []string) (int, bool) {
	if ctx.Err() != nil || len(options) == 0 {
		return 0, false
	}
	fmt.Fprintln(p.out, title)
	for i, o := range options {
		fmt.Fprintf(p.out, "  [%d] %s\n", i+1, o)
	}
	fmt.Fprint(p.out, "请输入序号: ")
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(options) {
		return 0, false
	}
	return n - 1, true
}
