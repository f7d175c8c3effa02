// qrbridge 在本机拦截游戏客户端的扫码登录，用已保存的渠道账号代替手机完成扫码确认。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"qrbridge/internal/certs"
	"qrbridge/internal/version"
)

func main() {
	cobra.MousetrapHelpText = ""
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qrbridge",
		Short:         "扫码登录桥",
		Long:          "劫持登录后端域名，改写登录接口，并用保存的渠道账号代替扫码确认",
		Version:       version.Info().String(),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动拦截服务（默认命令）",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	})
	root.AddCommand(newCertCmd(), newAccountsCmd())
	return root
}

func runServe(parent context.Context) error {
	a, err := loadApp(nil)
	if err != nil {
		return err
	}
	rt := a.router()
	defer rt.Close()
	f := a.newFront(rt)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := f.Start(ctx); err != nil {
		slog.Error("启动拦截前端失败", "err", err)
		return err
	}
	info := version.Info()
	slog.Info("服务启动", "version", info.Version, "commit", info.Commit, "mode", string(f.Mode()), "addr", f.Addr().String())

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-f.Done():
		if serveErr != nil {
			slog.Error("拦截前端异常退出", "err", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.Shutdown(shutdownCtx); err != nil {
		slog.Error("停机失败", "err", err)
		serveErr = errors.Join(serveErr, err)
	}
	slog.Info("服务已退出")
	return serveErr
}

func newCertCmd() *cobra.Command {
	cert := &cobra.Command{
		Use:   "cert",
		Short: "证书管理",
	}
	cert.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "检查并在需要时重新签发根证书与叶子证书",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(nil)
			if err != nil {
				return err
			}
			m, err := a.authority().Ensure()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			state := "沿用现有证书"
			if m.Regenerated {
				state = "已重新签发"
			}
			fmt.Fprintf(out, "%s\n根证书: %s\n叶子证书有效期: %s ~ %s\n",
				state,
				filepath.Join(a.cfg.Certs.Dir, certs.RootCertFile),
				m.NotBefore.Format(time.DateTime),
				m.NotAfter.Format(time.DateTime))
			return nil
		},
	})
	return cert
}
