package config

import (
	"os"
	"strconv"
	"strings"
)

func applyEnvOverrides(cfg *Config) {
	applyCoreEnvOverrides(cfg)
	applyFrontEnvOverrides(cfg)
	applyBackendEnvOverrides(cfg)
	applyCertsEnvOverrides(cfg)
	applyRewriteEnvOverrides(cfg)
	applyChannelsEnvOverrides(cfg)
	applyBrowserEnvOverrides(cfg)
}

func applyCoreEnvOverrides(cfg *Config) {
	if v := os.Getenv("QRBRIDGE_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("QRBRIDGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("QRBRIDGE_DEBUG_SCANNER_ID"); v != "" {
		cfg.Debug.ScannerID = v
	}
}

func applyFrontEnvOverrides(cfg *Config) {
	if v := os.Getenv("QRBRIDGE_FRONT_DOMAINS"); v != "" {
		cfg.Front.Domains = splitCSV(v)
	}
	if v := os.Getenv("QRBRIDGE_FRONT_LISTEN_ADDR"); v != "" {
		cfg.Front.ListenAddr = v
	}
	if v := os.Getenv("QRBRIDGE_FRONT_LOOPBACK_IP"); v != "" {
		cfg.Front.LoopbackIP = v
	}
	if v := os.Getenv("QRBRIDGE_HOSTS_PATH"); v != "" {
		cfg.Front.HostsPath = v
	}
	if v := os.Getenv("QRBRIDGE_FRONT_FALLBACK_ADDR"); v != "" {
		cfg.Front.FallbackAddr = v
	}
	if v := os.Getenv("QRBRIDGE_FRONT_FORCE_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Front.ForceFallback = b
		}
	}
}

func applyBackendEnvOverrides(cfg *Config) {
	if v := os.Getenv("QRBRIDGE_BACKEND_DOMAIN"); v != "" {
		cfg.Backend.Domain = v
	}
	if v := os.Getenv("QRBRIDGE_BACKEND_TARGET_IP"); v != "" {
		cfg.Backend.TargetIP = v
	}
	if v := os.Getenv("QRBRIDGE_BACKEND_DNS_SERVER"); v != "" {
		cfg.Backend.DNSServer = v
	}
	if v := os.Getenv("QRBRIDGE_BACKEND_DIAL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Backend.DialTimeoutSeconds = n
		}
	}
	if v := os.Getenv("QRBRIDGE_BACKEND_TLS_HANDSHAKE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Backend.TLSHandshakeTimeoutSeconds = n
		}
	}
}

func applyCertsEnvOverrides(cfg *Config) {
	if v := os.Getenv("QRBRIDGE_CERTS_DIR"); v != "" {
		cfg.Certs.Dir = v
	}
	if v := os.Getenv("QRBRIDGE_CERTS_LEAF_VALIDITY_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Certs.LeafValidityDays = n
		}
	}
	if v := os.Getenv("QRBRIDGE_CERTS_SKIP_TRUST_INSTALL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Certs.SkipTrustInstall = b
		}
	}
}

func applyRewriteEnvOverrides(cfg *Config) {
	if v := os.Getenv("QRBRIDGE_REWRITE_VERSION"); v != "" {
		cfg.Rewrite.VersionOverride = v
	}
	if v := os.Getenv("QRBRIDGE_REWRITE_DISTRIBUTION"); v != "" {
		cfg.Rewrite.Distribution = v
	}
	if v := os.Getenv("QRBRIDGE_FAILURE_LOG_ENABLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Rewrite.FailureLog.Enable = b
		}
	}
	if v := os.Getenv("QRBRIDGE_FAILURE_LOG_DIR"); v != "" {
		cfg.Rewrite.FailureLog.Dir = v
	}
}

func applyChannelsEnvOverrides(cfg *Config) {
	if v := os.Getenv("QRBRIDGE_CHANNELS_PROXY"); v != "" {
		cfg.Channels.Proxy = v
	}
	if v := os.Getenv("QRBRIDGE_CHANNELS_USER_AGENT"); v != "" {
		cfg.Channels.UserAgent = v
	}
	if v := os.Getenv("QRBRIDGE_CHANNELS_HTTP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Channels.HTTPTimeoutSeconds = n
		}
	}
	if v := os.Getenv("QRBRIDGE_HUAWEI_CLIENT_ID"); v != "" {
		cfg.Channels.Huawei.ClientID = v
	}
	if v := os.Getenv("QRBRIDGE_XIAOMI_APP_ID"); v != "" {
		cfg.Channels.Xiaomi.AppID = v
	}
	if v := os.Getenv("QRBRIDGE_XIAOMI_AES_KEY"); v != "" {
		cfg.Channels.Xiaomi.AESKey = v
	}
	if v := os.Getenv("QRBRIDGE_OPPO_APP_KEY"); v != "" {
		cfg.Channels.OPPO.AppKey = v
	}
	if v := os.Getenv("QRBRIDGE_OPPO_APP_SECRET"); v != "" {
		cfg.Channels.OPPO.AppSecret = v
	}
	if v := os.Getenv("QRBRIDGE_VIVO_SECRET"); v != "" {
		cfg.Channels.Vivo.Secret = v
	}
	if v := os.Getenv("QRBRIDGE_WECHAT_SALT"); v != "" {
		cfg.Channels.WeChat.Salt = v
	}
}

func applyBrowserEnvOverrides(cfg *Config) {
	if v := os.Getenv("QRBRIDGE_BROWSER_BIN"); v != "" {
		cfg.Browser.Bin = v
	}
	if v := os.Getenv("QRBRIDGE_BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
