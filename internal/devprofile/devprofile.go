// Package devprofile 持久化每个渠道的模拟设备指纹（<dir>/<kind>_device.json），首次使用时随机生成并保持稳定。
package devprofile

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Profile struct {
	DeviceID  string `json:"device_id"`
	AndroidID string `json:"android_id"`
	IMEI      string `json:"imei"`
	MAC       string `json:"mac"`
	Brand     string `json:"brand"`
	Model     string `json:"model"`
	OSVersion string `json:"os_version"`
	SDKInt    int    `json:"sdk_int"`
	// Resolution 形如 1080*2400。
	Resolution string `json:"resolution"`
}

// UserAgent 返回与设备信息一致的移动端 UA。
func (p Profile) UserAgent() string {
	return fmt.Sprintf("Mozilla/5.0 (Linux; Android %s; %s Build/%s) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/120.0.0.0 Mobile Safari/537.36",
		p.OSVersion, p.Model, strings.ToUpper(p.Brand))
}

type Store interface {
	Load(kind string) (Profile, error)
}

type FileStore struct {
	dir string

	mu    sync.Mutex
	cache map[string]Profile
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, cache: map[string]Profile{}}
}

func (s *FileStore) path(kind string) string {
	return filepath.Join(s.dir, kind+"_device.json")
}

func (s *FileStore) Load(kind string) (Profile, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || strings.ContainsAny(kind, `/\.`) {
		return Profile{}, fmt.Errorf("设备档案名称不合法: %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[kind]; ok {
		return p, nil
	}

	raw, err := os.ReadFile(s.path(kind))
	switch {
	case err == nil:
		var p Profile
		if err := json.Unmarshal(raw, &p); err == nil && p.DeviceID != "" {
			s.cache[kind] = p
			return p, nil
		}
		// 文件损坏时重新生成。
	case !errors.Is(err, os.ErrNotExist):
		return Profile{}, fmt.Errorf("读取设备档案失败: %w", err)
	}

	p, err := Generate(rand.Reader)
	if err != nil {
		return Profile{}, err
	}
	if err := s.write(kind, p); err != nil {
		return Profile{}, err
	}
	s.cache[kind] = p
	return p, nil
}

func (s *FileStore) write(kind string, p Profile) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("创建设备档案目录失败: %w", err)
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(kind) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("写入设备档案失败: %w", err)
	}
	if err := os.Rename(tmp, s.path(kind)); err != nil {
		return fmt.Errorf("写入设备档案失败: %w", err)
	}
	return nil
}

var models = []struct {
	brand, model, os string
	sdk              int
	res              string
}{
	{"HUAWEI", "NOH-AN00", "12", 31, "1344*2772"},
	{"Xiaomi", "2211133C", "13", 33, "1440*3200"},
	{"OPPO", "PGEM10", "13", 33, "1080*2412"},
	{"vivo", "V2229A", "13", 33, "1260*2800"},
	{"samsung", "SM-S9080", "14", 34, "1080*2340"},
}

// Generate 从 r 读取随机数生成一份新的设备档案。
func Generate(r io.Reader) (Profile, error) {
	n, err := rand.Int(r, big.NewInt(int64(len(models))))
	if err != nil {
		return Profile{}, fmt.Errorf("生成随机数失败: %w", err)
	}
	m := models[n.Int64()]

	buf := make([]byte, 8+7+6)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Profile{}, fmt.Errorf("生成随机数失败: %w", err)
	}
	imei := make([]byte, 0, 15)
	imei = append(imei, '8', '6')
	for _, b := range buf[8:15] {
		imei = append(imei, '0'+b%10, '0'+(b/10)%10)
	}
	mac := buf[15:21]
	mac[0] = (mac[0] | 0x02) & 0xfe

	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return Profile{}, fmt.Errorf("生成设备 id 失败: %w", err)
	}
	return Profile{
		DeviceID:   id.String(),
		AndroidID:  hex.EncodeToString(buf[:8]),
		IMEI:       string(imei[:15]),
		MAC:        fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]),
		Brand:      m.brand,
		Model:      m.model,
		OSVersion:  m.os,
		SDKInt:     m.sdk,
		Resolution: m.res,
	}, nil
}
