package certs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const linuxAnchorDir = "/usr/local/share/ca-certificates"

// Runner 执行一条外部命令，返回合并后的输出。
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// SystemTrust 通过平台自带工具安装根证书。
type SystemTrust struct {
	Run Runner
	// GOOS 为空时取 runtime.GOOS。
	GOOS string
	// Dir 保存待安装的 PEM 副本，certutil/security 需要文件路径。
	Dir string

	LookPath  func(string) (string, error)
	DirExists func(string) bool
}

func NewSystemTrust(dir string) *SystemTrust {
	return &SystemTrust{Dir: dir}
}

func (s *SystemTrust) InstallRootCA(pemBytes []byte) error {
	goos := s.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	run := s.Run
	if run == nil {
		run = execRunner
	}
	lookPath := s.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	dirExists := s.DirExists
	if dirExists == nil {
		dirExists = isDir
	}

	dir := s.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	certPath := filepath.Join(dir, "qrbridge-root-ca.pem")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, pemBytes, 0o644); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch goos {
	case "windows":
		return runStep(ctx, run, "certutil", "-addstore", "-user", "Root", certPath)
	case "darwin":
		return runStep(ctx, run, "security", "add-trusted-cert", "-d", "-r", "trustRoot", "-k", "/Library/Keychains/System.keychain", certPath)
	case "linux":
		if _, err := lookPath("update-ca-certificates"); err == nil && dirExists(linuxAnchorDir) {
			dst := filepath.Join(linuxAnchorDir, "qrbridge-root-ca.crt")
			if err := os.WriteFile(dst, pemBytes, 0o644); err != nil {
				return fmt.Errorf("写入 %s 失败: %w", dst, err)
			}
			return runStep(ctx, run, "update-ca-certificates")
		}
		if _, err := lookPath("trust"); err == nil {
			return runStep(ctx, run, "trust", "anchor", certPath)
		}
		return errors.New("未找到 update-ca-certificates 或 trust，请手动安装根证书")
	default:
		return fmt.Errorf("不支持在 %s 上自动安装根证书", goos)
	}
}

func runStep(ctx context.Context, run Runner, name string, args ...string) error {
	out, err := run(ctx, name, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("%s: %w", name, err)
		}
		return fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return nil
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
