package front

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
)

const (
	hostsMarker   = "# qrbridge"
	disabledMark  = "#qrbridge-disabled# "
	hostsFileMode = 0o644
)

// Resolver 把域名临时指向本机，并在退出时撤销。
type Resolver interface {
	Redirect(domain, ip string) error
	Restore(domain string) error
}

// HostsFile 通过编辑 hosts 文件实现 Resolver。
// 自己加的行带 "# qrbridge" 标记；原有的同名映射被注释掉，Restore 时恢复。
type HostsFile struct {
	Path string

	mu sync.Mutex
}

func NewHostsFile(path string) *HostsFile {
	return &HostsFile{Path: path}
}

func (h *HostsFile) Redirect(domain, ip string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return errors.New("域名为空")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	lines, mode, err := h.read()
	if err != nil {
		return err
	}
	lines = restoreLines(lines, domain)

	out := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		if mapsDomain(line, domain) {
			out = append(out, disabledMark+domain+" "+line)
			continue
		}
		out = append(out, line)
	}
	out = append(out, fmt.Sprintf("%s %s %s", ip, domain, hostsMarker))
	return h.write(out, mode)
}

func (h *HostsFile) Restore(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	h.mu.Lock()
	defer h.mu.Unlock()

	lines, mode, err := h.read()
	if err != nil {
		return err
	}
	out := restoreLines(lines, domain)
	if len(out) == len(lines) && equalLines(out, lines) {
		return nil
	}
	return h.write(out, mode)
}

// restoreLines 去掉 domain 的标记行，并还原被注释掉的原始映射。
func restoreLines(lines []string, domain string) []string {
	out := make([]string, 0, len(lines))
	prefix := disabledMark + domain + " "
	for _, line := range lines {
		if strings.HasSuffix(line, hostsMarker) && mapsDomain(strings.TrimSuffix(line, hostsMarker), domain) {
			continue
		}
		if strings.HasPrefix(line, prefix) {
			out = append(out, strings.TrimPrefix(line, prefix))
			continue
		}
		out = append(out, line)
	}
	return out
}

// mapsDomain 判断一行有效的 hosts 记录是否包含 domain。
func mapsDomain(line, domain string) bool {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	for _, name := range fields[1:] {
		if strings.EqualFold(name, domain) {
			return true
		}
	}
	return false
}

func (h *HostsFile) read() ([]string, fs.FileMode, error) {
	raw, err := os.ReadFile(h.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, hostsFileMode, nil
		}
		return nil, 0, err
	}
	mode := fs.FileMode(hostsFileMode)
	if st, err := os.Stat(h.Path); err == nil {
		mode = st.Mode().Perm()
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil, mode, nil
	}
	return strings.Split(text, "\n"), mode, nil
}

// write 原地覆盖：Windows 上 hosts 常被占用，不能 rename 替换。
func (h *HostsFile) write(lines []string, mode fs.FileMode) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return os.WriteFile(h.Path, buf.Bytes(), mode)
}

func equalLines(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
