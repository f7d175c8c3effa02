// Package certs 管理本地根证书与劫持域名的叶子证书：缺失或过期时整套重新签发，并把新根证书装进系统信任库。
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"qrbridge/internal/config"
)

const (
	RootCertFile = "root_ca.pem"
	RootKeyFile  = "root_ca.key"
	LeafCertFile = "leaf.pem"
	LeafKeyFile  = "leaf.key"

	rootCommonName = "qrbridge Local Root CA"
	keyBits        = 2048
)

// TrustInstaller 把根证书装进操作系统信任库。
type TrustInstaller interface {
	InstallRootCA(pemBytes []byte) error
}

type Material struct {
	RootPEM    []byte
	LeafPEM    []byte
	LeafKeyPEM []byte
	// NotBefore/NotAfter 为叶子证书的有效期。
	NotBefore time.Time
	NotAfter  time.Time

	Regenerated bool
}

// TLSCertificate 返回带根证书链的叶子证书。
func (m Material) TLSCertificate() (tls.Certificate, error) {
	chain := append(append([]byte(nil), m.LeafPEM...), m.RootPEM...)
	return tls.X509KeyPair(chain, m.LeafKeyPEM)
}

type Authority struct {
	dir          string
	domains      []string
	rootValidity time.Duration
	leafValidity time.Duration
	trust        TrustInstaller
	now          func() time.Time
	log          *slog.Logger
}

type Option func(*Authority)

func WithClock(now func() time.Time) Option { return func(a *Authority) { a.now = now } }

func WithLogger(l *slog.Logger) Option { return func(a *Authority) { a.log = l } }

func New(cfg config.CertsConfig, domains []string, trust TrustInstaller, opts ...Option) *Authority {
	rootDays, leafDays := cfg.RootValidityDays, cfg.LeafValidityDays
	if rootDays <= 0 {
		rootDays = 3650
	}
	if leafDays <= 0 {
		leafDays = 365
	}
	if cfg.SkipTrustInstall {
		trust = nil
	}
	a := &Authority{
		dir:          cfg.Dir,
		domains:      normalizeDomains(domains),
		rootValidity: time.Duration(rootDays) * 24 * time.Hour,
		leafValidity: time.Duration(leafDays) * 24 * time.Hour,
		trust:        trust,
		now:          time.Now,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Authority) path(name string) string { return filepath.Join(a.dir, name) }

// Ensure 返回可用的证书材料。根或叶子任一缺失、损坏、过期或域名不符，都会重新签发两者。
func (a *Authority) Ensure() (Material, error) {
	if len(a.domains) == 0 {
		return Material{}, errors.New("没有需要签发证书的域名")
	}
	m, err := a.load()
	if err == nil {
		return m, nil
	}
	a.log.Info("重新签发证书", "dir", a.dir, "reason", err.Error())

	m, files, err := a.regenerate()
	if err != nil {
		return Material{}, err
	}
	// 先装信任再落盘：安装失败时磁盘上不留新证书，下次启动会重新签发并再次安装。
	if a.trust != nil {
		if err := a.trust.InstallRootCA(m.RootPEM); err != nil {
			return Material{}, fmt.Errorf("安装根证书失败: %w", err)
		}
		a.log.Info("根证书已安装到系统信任库")
	} else {
		a.log.Warn("已跳过根证书安装，请手动信任", "path", a.path(RootCertFile))
	}
	if err := a.persist(files); err != nil {
		return Material{}, err
	}
	return m, nil
}

func (a *Authority) load() (Material, error) {
	rootPEM, err := os.ReadFile(a.path(RootCertFile))
	if err != nil {
		return Material{}, err
	}
	rootKeyPEM, err := os.ReadFile(a.path(RootKeyFile))
	if err != nil {
		return Material{}, err
	}
	leafPEM, err := os.ReadFile(a.path(LeafCertFile))
	if err != nil {
		return Material{}, err
	}
	leafKeyPEM, err := os.ReadFile(a.path(LeafKeyFile))
	if err != nil {
		return Material{}, err
	}

	root, err := parseCert(rootPEM)
	if err != nil {
		return Material{}, fmt.Errorf("根证书: %w", err)
	}
	if !root.IsCA {
		return Material{}, errors.New("根证书不是 CA")
	}
	if _, err := tls.X509KeyPair(rootPEM, rootKeyPEM); err != nil {
		return Material{}, fmt.Errorf("根证书私钥: %w", err)
	}
	leaf, err := parseCert(leafPEM)
	if err != nil {
		return Material{}, fmt.Errorf("叶子证书: %w", err)
	}
	if _, err := tls.X509KeyPair(leafPEM, leafKeyPEM); err != nil {
		return Material{}, fmt.Errorf("叶子证书私钥: %w", err)
	}

	now := a.now()
	for _, c := range []*x509.Certificate{root, leaf} {
		if now.Before(c.NotBefore) || now.After(c.NotAfter) {
			return Material{}, fmt.Errorf("证书 %s 不在有效期内", c.Subject.CommonName)
		}
	}
	if err := leaf.CheckSignatureFrom(root); err != nil {
		return Material{}, fmt.Errorf("叶子证书不是由当前根证书签发: %w", err)
	}
	if !sameNames(leafNames(leaf), a.domains) {
		return Material{}, errors.New("叶子证书域名与配置不一致")
	}
	return Material{
		RootPEM:    rootPEM,
		LeafPEM:    leafPEM,
		LeafKeyPEM: leafKeyPEM,
		NotBefore:  leaf.NotBefore,
		NotAfter:   leaf.NotAfter,
	}, nil
}

type certFile struct {
	name string
	data []byte
	perm os.FileMode
}

// regenerate 只在内存里签发新的根与叶子，落盘由 persist 完成。
func (a *Authority) regenerate() (Material, []certFile, error) {
	now := a.now()
	rootKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return Material{}, nil, err
	}
	rootTmpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			CommonName:   rootCommonName,
			Organization: []string{"qrbridge"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(a.rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return Material{}, nil, err
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return Material{}, nil, err
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return Material{}, nil, err
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			CommonName: a.domains[0],
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(a.leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, d := range a.domains {
		if ip := net.ParseIP(d); ip != nil {
			leafTmpl.IPAddresses = append(leafTmpl.IPAddresses, ip)
		} else {
			leafTmpl.DNSNames = append(leafTmpl.DNSNames, d)
		}
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		return Material{}, nil, err
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return Material{}, nil, err
	}

	m := Material{
		RootPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER}),
		LeafPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER}),
		LeafKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)}),
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		Regenerated: true,
	}
	rootKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rootKey)})

	return m, []certFile{
		{RootKeyFile, rootKeyPEM, 0o600},
		{RootCertFile, m.RootPEM, 0o644},
		{LeafKeyFile, m.LeafKeyPEM, 0o600},
		{LeafCertFile, m.LeafPEM, 0o644},
	}, nil
}

func (a *Authority) persist(files []certFile) error {
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return fmt.Errorf("创建证书目录失败: %w", err)
	}
	for _, f := range files {
		if err := writeAtomic(a.path(f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("写入 %s 失败: %w", f.name, err)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		return err
	}
	return os.Rename(name, path)
}

func parseCert(raw []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("不是 PEM 证书")
	}
	return x509.ParseCertificate(block.Bytes)
}

func newSerial() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}

func normalizeDomains(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func leafNames(c *x509.Certificate) []string {
	out := append([]string(nil), c.DNSNames...)
	for _, ip := range c.IPAddresses {
		out = append(out, ip.String())
	}
	return out
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
