// Package config 负责读取并合并服务配置（默认值 → 可选 YAML 文件 → 环境变量），避免在业务代码里散落解析逻辑。
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env     string `yaml:"env"`
	DataDir string `yaml:"data_dir"`

	Front    FrontConfig           `yaml:"front"`
	Backend  BackendConfig         `yaml:"backend"`
	Certs    CertsConfig           `yaml:"certs"`
	Rewrite  RewriteConfig         `yaml:"rewrite"`
	Channels ChannelsConfig        `yaml:"channels"`
	Games    map[string]GameConfig `yaml:"games"`
	Browser  BrowserConfig         `yaml:"browser"`
	Debug    DebugConfig           `yaml:"debug"`
}

type FrontConfig struct {
	// Domains 为需要劫持的后端域名；leaf 证书的 SAN 恰好覆盖这些域名。
	Domains    []string `yaml:"domains"`
	ListenAddr string   `yaml:"listen_addr"`
	LoopbackIP string   `yaml:"loopback_ip"`
	HostsPath  string   `yaml:"hosts_path"`

	// FallbackAddr 为无权限改 hosts 时启用的显式代理监听地址。
	FallbackAddr  string `yaml:"fallback_addr"`
	ForceFallback bool   `yaml:"force_fallback"`

	ReadHeaderTimeoutSeconds int `yaml:"read_header_timeout_seconds"`
	IdleTimeoutSeconds       int `yaml:"idle_timeout_seconds"`
}

type BackendConfig struct {
	Domain string `yaml:"domain"`
	// TargetIP 显式指定真实后端 IP；为空时通过 DNSServer 解析（绕过本地 hosts 覆盖）。
	TargetIP  string `yaml:"target_ip"`
	DNSServer string `yaml:"dns_server"`
	Port      int    `yaml:"port"`

	DialTimeoutSeconds         int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds int `yaml:"tls_handshake_timeout_seconds"`
	IdleConnTimeoutSeconds     int `yaml:"idle_conn_timeout_seconds"`
}

type CertsConfig struct {
	Dir              string `yaml:"dir"`
	RootValidityDays int    `yaml:"root_validity_days"`
	LeafValidityDays int    `yaml:"leaf_validity_days"`
	// SkipTrustInstall 仅用于测试或用户手动导入根证书的场景。
	SkipTrustInstall bool `yaml:"skip_trust_install"`
}

type RewriteConfig struct {
	// VersionOverride 非空时替换 pc_config 响应中的版本号。
	VersionOverride string `yaml:"version_override"`
	VersionPath     string `yaml:"version_path"`

	// LoginMethodPatches 在未选中渠道账号时写入 login_methods 响应。
	LoginMethodPatches []JSONPatch `yaml:"login_method_patches"`

	// DeviceOverrides 覆盖 devices/:device_id/users 请求里的设备字段。
	DeviceOverrides map[string]string `yaml:"device_overrides"`

	// Distribution 为当前客户端的分发渠道（为空表示官方包）。
	Distribution  string                          `yaml:"distribution"`
	Distributions map[string]DistributionOverride `yaml:"distributions"`

	FailureLog FailureLogConfig `yaml:"failure_log"`
}

type JSONPatch struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`
}

type DistributionOverride struct {
	AppChannel string            `yaml:"app_channel"`
	Fields     map[string]string `yaml:"fields"`
	// LoginMethodPatches 追加在全局 patch 之后。
	LoginMethodPatches []JSONPatch `yaml:"login_method_patches"`
}

type FailureLogConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
	// MaxFiles 为保留的按天记录文件数。
	MaxFiles int `yaml:"max_files"`
}

type ChannelsConfig struct {
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
	UserAgent          string `yaml:"user_agent"`
	Proxy              string `yaml:"proxy"`

	Huawei HuaweiConfig `yaml:"huawei"`
	Xiaomi XiaomiConfig `yaml:"xiaomi"`
	OPPO   OPPOConfig   `yaml:"oppo"`
	Vivo   VivoConfig   `yaml:"vivo"`
	WeChat WeChatConfig `yaml:"wechat"`
}

type HuaweiConfig struct {
	AuthorizeURL string `yaml:"authorize_url"`
	TokenURL     string `yaml:"token_url"`
	RedirectURI  string `yaml:"redirect_uri"`
	ClientID     string `yaml:"client_id"`
	Scope        string `yaml:"scope"`
	GameAuthURL  string `yaml:"game_auth_url"`
	AppID        string `yaml:"app_id"`
}

type XiaomiConfig struct {
	LoginURL string `yaml:"login_url"`
	// CallbackPrefix 为登录成功后回跳地址前缀，授权码与 QQ 代理 token 都从这里取。
	CallbackPrefix string `yaml:"callback_prefix"`
	AccountURL     string `yaml:"account_url"`
	SDKURL         string `yaml:"sdk_url"`
	AppID          string `yaml:"app_id"`
	// AESKey 为 16 字节的信封密钥。
	AESKey string `yaml:"aes_key"`
}

type OPPOConfig struct {
	LoginURL     string `yaml:"login_url"`
	AuthorizeURL string `yaml:"authorize_url"`
	RefreshURL   string `yaml:"refresh_url"`
	GameSDKURL   string `yaml:"game_sdk_url"`
	PublicKey    string `yaml:"public_key"`
	AppID        string `yaml:"app_id"`
	AppKey       string `yaml:"app_key"`
	AppSecret    string `yaml:"app_secret"`
	Salt         string `yaml:"salt"`
	EmbeddedRSA  string `yaml:"embedded_rsa"`
}

type VivoConfig struct {
	LoginURL         string `yaml:"login_url"`
	SuccessURLPrefix string `yaml:"success_url_prefix"`
	AccountsURL      string `yaml:"accounts_url"`
	AuthURL          string `yaml:"auth_url"`
	AppID            string `yaml:"app_id"`
	Secret           string `yaml:"secret"`
}

type WeChatConfig struct {
	CreateURL  string `yaml:"create_url"`
	PollURL    string `yaml:"poll_url"`
	TokenURL   string `yaml:"token_url"`
	RefreshURL string `yaml:"refresh_url"`
	AppID      string `yaml:"app_id"`
	Salt       string `yaml:"salt"`
	// PollIntervalMillis 为扫码状态轮询间隔。
	PollIntervalMillis int `yaml:"poll_interval_millis"`
}

type GameConfig struct {
	AppChannel  string `yaml:"app_channel"`
	UniSauthURL string `yaml:"uni_sauth_url"`
	SignKey     string `yaml:"sign_key"`
	SDKVersion  string `yaml:"sdk_version"`
	PayChannel  string `yaml:"pay_channel"`
}

type BrowserConfig struct {
	Bin      string `yaml:"bin"`
	Headless bool   `yaml:"headless"`
	// UserDataDir 为空时使用临时目录。
	UserDataDir string `yaml:"user_data_dir"`
}

type DebugConfig struct {
	// ScannerID 为调试用扫码者 id：桥接时直接返回载荷，不访问真实后端。
	ScannerID string `yaml:"scanner_id"`
}

// LoadFromEnv 读取 QRBRIDGE_CONFIG 指向的 YAML（可选），再叠加环境变量。
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv("QRBRIDGE_CONFIG"))
}

func Load(path string) (Config, error) {
	cfg := defaultConfig()
	if p := strings.TrimSpace(path); p != "" {
		if err := loadYAMLFile(p, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnvOverrides(&cfg)
	return normalizeAndValidate(cfg)
}

func loadYAMLFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败（%s）: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败（%s）: %w", path, err)
	}
	return nil
}

func normalizeAndValidate(cfg Config) (Config, error) {
	cfg.Env = strings.TrimSpace(cfg.Env)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		return Config{}, errors.New("data_dir 不能为空")
	}

	var domains []string
	seen := map[string]struct{}{}
	for _, d := range cfg.Front.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	cfg.Backend.Domain = strings.ToLower(strings.TrimSpace(cfg.Backend.Domain))
	if cfg.Backend.Domain == "" {
		return Config{}, errors.New("backend.domain 不能为空")
	}
	if len(domains) == 0 {
		domains = []string{cfg.Backend.Domain}
	}
	cfg.Front.Domains = domains

	if strings.TrimSpace(cfg.Front.ListenAddr) == "" {
		return Config{}, errors.New("front.listen_addr 不能为空")
	}
	if ip := net.ParseIP(strings.TrimSpace(cfg.Front.LoopbackIP)); ip == nil {
		return Config{}, fmt.Errorf("front.loopback_ip 不合法: %q", cfg.Front.LoopbackIP)
	}
	cfg.Front.LoopbackIP = strings.TrimSpace(cfg.Front.LoopbackIP)
	if strings.TrimSpace(cfg.Front.HostsPath) == "" {
		cfg.Front.HostsPath = defaultHostsPath()
	}

	cfg.Backend.TargetIP = strings.TrimSpace(cfg.Backend.TargetIP)
	if cfg.Backend.TargetIP != "" && net.ParseIP(cfg.Backend.TargetIP) == nil {
		return Config{}, fmt.Errorf("backend.target_ip 不合法: %q", cfg.Backend.TargetIP)
	}
	if cfg.Backend.TargetIP == "" && strings.TrimSpace(cfg.Backend.DNSServer) == "" {
		return Config{}, errors.New("backend.target_ip 与 backend.dns_server 不能同时为空")
	}
	if cfg.Backend.Port <= 0 || cfg.Backend.Port > 65535 {
		return Config{}, fmt.Errorf("backend.port 不合法: %d", cfg.Backend.Port)
	}

	if strings.TrimSpace(cfg.Certs.Dir) == "" {
		cfg.Certs.Dir = filepath.Join(cfg.DataDir, "certs")
	}
	if cfg.Certs.RootValidityDays <= 0 || cfg.Certs.LeafValidityDays <= 0 {
		return Config{}, errors.New("certs.*_validity_days 必须大于 0")
	}
	if cfg.Certs.LeafValidityDays > cfg.Certs.RootValidityDays {
		return Config{}, errors.New("certs.leaf_validity_days 不能超过 root_validity_days")
	}

	if strings.TrimSpace(cfg.Rewrite.VersionPath) == "" {
		cfg.Rewrite.VersionPath = "version"
	}
	cfg.Rewrite.Distribution = strings.TrimSpace(cfg.Rewrite.Distribution)
	if cfg.Rewrite.Distribution != "" {
		if _, ok := cfg.Rewrite.Distributions[cfg.Rewrite.Distribution]; !ok {
			return Config{}, fmt.Errorf("rewrite.distribution 未定义: %s", cfg.Rewrite.Distribution)
		}
	}
	cfg.Rewrite.FailureLog.Dir = strings.TrimSpace(cfg.Rewrite.FailureLog.Dir)
	if cfg.Rewrite.FailureLog.Dir == "" {
		cfg.Rewrite.FailureLog.Dir = filepath.Join(cfg.DataDir, "failures")
	}

	if err := normalizeChannelURLs(&cfg.Channels); err != nil {
		return Config{}, err
	}
	if len(cfg.Channels.Xiaomi.AESKey) != 0 && len(cfg.Channels.Xiaomi.AESKey) != 16 {
		return Config{}, errors.New("channels.xiaomi.aes_key 必须为 16 字节")
	}

	for _, id := range sortedGameIDs(cfg.Games) {
		g := cfg.Games[id]
		u, err := NormalizeHTTPBaseURL(g.UniSauthURL, "games."+id+".uni_sauth_url")
		if err != nil {
			return Config{}, err
		}
		g.UniSauthURL = u
		cfg.Games[id] = g
	}

	cfg.Debug.ScannerID = strings.TrimSpace(cfg.Debug.ScannerID)
	return cfg, nil
}

func normalizeChannelURLs(c *ChannelsConfig) error {
	fields := []struct {
		label string
		ptr   *string
	}{
		{"channels.huawei.authorize_url", &c.Huawei.AuthorizeURL},
		{"channels.huawei.token_url", &c.Huawei.TokenURL},
		{"channels.huawei.game_auth_url", &c.Huawei.GameAuthURL},
		{"channels.xiaomi.login_url", &c.Xiaomi.LoginURL},
		{"channels.xiaomi.account_url", &c.Xiaomi.AccountURL},
		{"channels.xiaomi.sdk_url", &c.Xiaomi.SDKURL},
		{"channels.oppo.login_url", &c.OPPO.LoginURL},
		{"channels.oppo.authorize_url", &c.OPPO.AuthorizeURL},
		{"channels.oppo.refresh_url", &c.OPPO.RefreshURL},
		{"channels.oppo.game_sdk_url", &c.OPPO.GameSDKURL},
		{"channels.vivo.login_url", &c.Vivo.LoginURL},
		{"channels.vivo.accounts_url", &c.Vivo.AccountsURL},
		{"channels.vivo.auth_url", &c.Vivo.AuthURL},
		{"channels.wechat.create_url", &c.WeChat.CreateURL},
		{"channels.wechat.poll_url", &c.WeChat.PollURL},
		{"channels.wechat.token_url", &c.WeChat.TokenURL},
		{"channels.wechat.refresh_url", &c.WeChat.RefreshURL},
	}
	for _, f := range fields {
		v, err := NormalizeHTTPBaseURL(*f.ptr, f.label)
		if err != nil {
			return err
		}
		*f.ptr = v
	}
	if c.Proxy != "" {
		if _, err := NormalizeHTTPBaseURL(c.Proxy, "channels.proxy"); err != nil {
			return err
		}
	}
	return nil
}

func sortedGameIDs(m map[string]GameConfig) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func NormalizeHTTPBaseURL(raw string, label string) (string, error) {
	v := strings.TrimRight(strings.TrimSpace(raw), "/")
	if v == "" {
		return "", nil
	}
	u, err := url.Parse(v)
	if err != nil {
		if strings.TrimSpace(label) == "" {
			return "", fmt.Errorf("解析 base_url 失败: %w", err)
		}
		return "", fmt.Errorf("解析 %s 失败: %w", label, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		if strings.TrimSpace(label) == "" {
			return "", errors.New("base_url 仅支持 http/https")
		}
		return "", fmt.Errorf("%s 仅支持 http/https", label)
	}
	if u.Host == "" {
		if strings.TrimSpace(label) == "" {
			return "", errors.New("base_url host 不能为空")
		}
		return "", fmt.Errorf("%s host 不能为空", label)
	}
	return v, nil
}

func defaultHostsPath() string {
	if runtime.GOOS == "windows" {
		root := os.Getenv("SystemRoot")
		if root == "" {
			root = `C:\Windows`
		}
		return filepath.Join(root, "System32", "drivers", "etc", "hosts")
	}
	return "/etc/hosts"
}

// GameProfile 返回 gameID 对应的联合登录配置；未配置时 ok=false。
func (c Config) GameProfile(gameID string) (GameConfig, bool) {
	g, ok := c.Games[strings.TrimSpace(gameID)]
	return g, ok
}

func defaultConfig() Config {
	return Config{
		Env:     "dev",
		DataDir: "./data",
		Front: FrontConfig{
			Domains:                  []string{"service.mkey.163.com"},
			ListenAddr:               ":443",
			LoopbackIP:               "127.0.0.1",
			FallbackAddr:             "127.0.0.1:8888",
			ReadHeaderTimeoutSeconds: 10,
			IdleTimeoutSeconds:       120,
		},
		Backend: BackendConfig{
			Domain:                     "service.mkey.163.com",
			DNSServer:                  "223.5.5.5:53",
			Port:                       443,
			DialTimeoutSeconds:         15,
			TLSHandshakeTimeoutSeconds: 10,
			IdleConnTimeoutSeconds:     90,
		},
		Certs: CertsConfig{
			RootValidityDays: 3650,
			LeafValidityDays: 365,
		},
		Rewrite: RewriteConfig{
			VersionPath: "version",
			LoginMethodPatches: []JSONPatch{
				{Path: "select_platform", Value: true},
				{Path: "qrcode_select_platform", Value: true},
			},
			DeviceOverrides: map[string]string{
				"client_type": "pc",
			},
			FailureLog: FailureLogConfig{
				Enable:   false,
				MaxFiles: 30,
			},
		},
		Channels: ChannelsConfig{
			HTTPTimeoutSeconds: 30,
			UserAgent:          "Mozilla/5.0 (Linux; Android 12; Pixel 6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
			Huawei: HuaweiConfig{
				AuthorizeURL: "https://oauth-login.cloud.huawei.com/oauth2/v3/authorize",
				TokenURL:     "https://oauth-login.cloud.huawei.com/oauth2/v3/token",
				RedirectURI:  "hms://redirect_uri",
				Scope:        "openid profile https://www.huawei.com/auth/games",
				GameAuthURL:  "https://jos-api.cloud.huawei.com/gameservice/api/gbClientApi",
			},
			Xiaomi: XiaomiConfig{
				LoginURL:       "https://account.xiaomi.com/fe/service/login",
				CallbackPrefix: "https://game.xiaomi.com/oauthcallback/",
				AccountURL:     "https://account.migc.xiaomi.com/migc-sdk-account/getLoginAppAccount_v2",
				SDKURL:         "https://mgbsdk.migc.xiaomi.com/migc-sdk-account/loginByToken",
			},
			OPPO: OPPOConfig{
				LoginURL:     "https://id.heytap.com/index.html",
				AuthorizeURL: "https://muc.heytap.com/api/v2/open/authorize",
				RefreshURL:   "https://muc.heytap.com/api/v2/open/refresh",
				GameSDKURL:   "https://igame.heytapmobi.com/sdkclient/v3/ticket",
				PublicKey:    oppoDefaultPublicKey,
				EmbeddedRSA:  oppoDefaultEmbeddedRSA,
			},
			Vivo: VivoConfig{
				LoginURL:         "https://passport.vivo.com.cn/#/login",
				SuccessURLPrefix: "https://passport.vivo.com.cn/#/home",
				AccountsURL:      "https://joint.vivo.com.cn/h5/union/get/subaccount",
				AuthURL:          "https://joint.vivo.com.cn/h5/union/login/auth",
			},
			WeChat: WeChatConfig{
				CreateURL:          "https://open.weixin.qq.com/connect/sdk/qrconnect",
				PollURL:            "https://long.open.weixin.qq.com/connect/l/qrconnect",
				TokenURL:           "https://api.weixin.qq.com/sns/oauth2/access_token",
				RefreshURL:         "https://api.weixin.qq.com/sns/oauth2/refresh_token",
				PollIntervalMillis: 1500,
			},
		},
		Games: map[string]GameConfig{
			"aecfrxodyqaaaajp-g-h55": {
				AppChannel:  "netease",
				UniSauthURL: "https://mgbsdk.matrix.netease.com/h55/sdk/uni_sauth",
				SDKVersion:  "3.0.0",
				PayChannel:  "netease",
			},
		},
		Debug: DebugConfig{
			ScannerID: "Kinich",
		},
	}
}

const oppoDefaultPublicKey = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA1WyE7dMtOf4ZTD7h8DRp
hlmGRVLZasKS7ZQVXdUWZnkSqiDA4Wkb2frhJFZBG2ZtgvUivId35DnO4Ko34TOw
YgNfKE56mOpxF6TMPovr7iJCkGZoKb/jBeIPELRa2gm1fgQz9XLtkrUxMZswLpOv
7R2bXQWQP85woVcLV1R79uUhOtueR4cm3OcTqKAGjmEsj46SzRADymNFJeeCLysx
uB6ix3xssQvVLjz6ClbtbMpnjEyWLlBn9ppPQ+LMwyJPU8hRrGcQXv3i/v83n5L0
x9kxZDkvNwGST7x6uhFNzH3MndWLedbRiYIwVuxjWk893O3BEPSUUgj14qb0jwbY
AQIDAQAB
-----END PUBLIC KEY-----`

const oppoDefaultEmbeddedRSA = "pxKTFgd1izEkaW6asPJrPVeQInft0/nUdEsUAVEx+04hio54fU0nDiVO0avWC7JxvSToOZBBMGNXwMukYKY62O80KFGQ1q4lDwO2OptQcc2KgnVwstMTAO/8tRk6cycU"
