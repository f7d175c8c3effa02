// Package proxylog 把改写失败（已回退为原样转发）的请求摘要按天追加到 JSONL 文件，便于排查后端协议变化。
package proxylog

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "failures-"
	fileSuffix = ".jsonl"

	defaultMaxLine  = 8 << 10
	defaultMaxFiles = 30
)

type Config struct {
	Enable bool
	Dir    string
	// MaxLineBytes 为单条记录上限，超出时截断长字段。
	MaxLineBytes int
	// MaxFiles 为保留的天数文件上限。
	MaxFiles int
	Logger   *slog.Logger
}

// Entry 描述一次改写失败；只记录请求形态与失败原因，不落盘请求/响应正文。
type Entry struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`

	Method   string `json:"method"`
	Host     string `json:"host,omitempty"`
	Path     string `json:"path"`
	Endpoint string `json:"endpoint"`
	GameID   string `json:"game_id,omitempty"`

	StatusCode   int    `json:"status_code"`
	ErrorClass   string `json:"error_class"`
	ErrorMsg     string `json:"error_message,omitempty"`
	ResponseSize int    `json:"response_size"`
	LatencyMS    int    `json:"latency_ms"`
}

type Writer struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu sync.Mutex
}

func New(cfg Config) *Writer {
	cfg.Dir = strings.TrimSpace(cfg.Dir)
	if cfg.Dir == "" {
		cfg.Dir = "./data/rewrite_failures"
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = defaultMaxLine
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Writer{cfg: cfg, log: log, now: time.Now}
}

func (w *Writer) Enabled() bool {
	return w != nil && w.cfg.Enable
}

// WriteFailure 追加一条记录。写盘失败只记日志，不影响已经回退的响应。
func (w *Writer) WriteFailure(ctx context.Context, entry Entry) {
	if !w.Enabled() {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = w.now()
	}
	line, ok := encodeLine(entry, w.cfg.MaxLineBytes)
	if !ok {
		w.log.WarnContext(ctx, "改写失败记录过大，已丢弃", "endpoint", entry.Endpoint)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(w.cfg.Dir, 0o700); err != nil {
		w.log.WarnContext(ctx, "创建改写失败目录失败", "dir", w.cfg.Dir, "err", err)
		return
	}
	path := filepath.Join(w.cfg.Dir, fileName(entry.Time))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		w.log.WarnContext(ctx, "打开改写失败记录失败", "path", path, "err", err)
		return
	}
	_, err = f.Write(line)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		w.log.WarnContext(ctx, "写入改写失败记录失败", "path", path, "err", err)
		return
	}
	w.prune()
}

// Recent 返回最近的 limit 条记录，新的在前。
func (w *Writer) Recent(limit int) ([]Entry, error) {
	if !w.Enabled() || limit <= 0 {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := w.files()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for i := len(files) - 1; i >= 0 && len(out) < limit; i-- {
		entries, err := readFile(filepath.Join(w.cfg.Dir, files[i]))
		if err != nil {
			return nil, err
		}
		for j := len(entries) - 1; j >= 0 && len(out) < limit; j-- {
			out = append(out, entries[j])
		}
	}
	return out, nil
}

func fileName(t time.Time) string {
	return filePrefix + t.UTC().Format("20060102") + fileSuffix
}

// files 按日期升序列出记录文件；文件名里的日期保证字典序即时间序。
func (w *Writer) files() ([]string, error) {
	dirEntries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range dirEntries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (w *Writer) prune() {
	names, err := w.files()
	if err != nil || len(names) <= w.cfg.MaxFiles {
		return
	}
	for _, name := range names[:len(names)-w.cfg.MaxFiles] {
		if err := os.Remove(filepath.Join(w.cfg.Dir, name)); err != nil {
			w.log.Warn("清理改写失败记录失败", "file", name, "err", err)
		}
	}
}

func readFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// 半行（进程在写入中途退出）直接跳过。
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// encodeLine 序列化为一行 JSON；超限时先截断长字段，再去掉错误信息与路径。
func encodeLine(entry Entry, max int) ([]byte, bool) {
	if b, ok := marshalWithin(entry, max); ok {
		return b, true
	}
	entry.ErrorMsg = truncate(entry.ErrorMsg, 400)
	entry.Host = truncate(entry.Host, 128)
	entry.Path = truncate(entry.Path, 120)
	entry.Method = truncate(entry.Method, 16)
	entry.Endpoint = truncate(entry.Endpoint, 64)
	entry.GameID = truncate(entry.GameID, 64)
	entry.ErrorClass = truncate(entry.ErrorClass, 64)
	entry.RequestID = truncate(entry.RequestID, 64)
	if b, ok := marshalWithin(entry, max); ok {
		return b, true
	}
	entry.ErrorMsg = ""
	entry.Path = ""
	return marshalWithin(entry, max)
}

func marshalWithin(entry Entry, max int) ([]byte, bool) {
	b, err := json.Marshal(entry)
	if err != nil || len(b)+1 > max {
		return nil, false
	}
	return append(b, '\n'), true
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
