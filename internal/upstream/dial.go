package upstream

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
)

const resolveTTL = 5 * time.Minute

// targetResolver 给出真实后端 IP：优先使用配置的固定 IP，否则向外部 DNS 查询。
// 本机 hosts 已被改写指向回环地址，不能走系统解析。
type targetResolver struct {
	domain    string
	fixedIP   string
	dnsServer string
	timeout   time.Duration

	mu       sync.Mutex
	cached   string
	cachedAt time.Time
}

func (r *targetResolver) resolve(ctx context.Context) (string, error) {
	if r.fixedIP != "" {
		return r.fixedIP, nil
	}
	r.mu.Lock()
	if r.cached != "" && time.Since(r.cachedAt) < resolveTTL {
		ip := r.cached
		r.mu.Unlock()
		return ip, nil
	}
	r.mu.Unlock()

	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: r.timeout}
			return d.DialContext(ctx, network, r.dnsServer)
		},
	}
	addrs, err := resolver.LookupIPAddr(ctx, r.domain)
	if err != nil {
		return "", fmt.Errorf("通过 %s 解析 %s 失败: %w", r.dnsServer, r.domain, err)
	}
	for _, a := range addrs {
		if a.IP.IsLoopback() || a.IP.IsUnspecified() {
			continue
		}
		ip := a.IP.String()
		r.mu.Lock()
		r.cached, r.cachedAt = ip, time.Now()
		r.mu.Unlock()
		return ip, nil
	}
	return "", fmt.Errorf("%s 没有可用的公网地址", r.domain)
}

// utlsDialer 以浏览器指纹的 ClientHello 建立到真实后端的 TLS 连接，SNI 固定为后端域名。
// ALPN 只声明 http/1.1，连接交给 net/http 的 HTTP/1.1 transport 使用。
type utlsDialer struct {
	target           *targetResolver
	port             int
	serverName       string
	rootCAs          *x509.CertPool
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
}

func (d *utlsDialer) DialTLSContext(ctx context.Context, _, _ string) (net.Conn, error) {
	ip, err := d.target.resolve(ctx)
	if err != nil {
		return nil, err
	}
	nd := net.Dialer{Timeout: d.dialTimeout, KeepAlive: 30 * time.Second}
	raw, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(d.port)))
	if err != nil {
		return nil, err
	}

	uconn := utls.UClient(raw, &utls.Config{
		ServerName: d.serverName,
		RootCAs:    d.rootCAs,
		NextProtos: []string{"http/1.1"},
	}, utls.HelloCustom)
	spec, err := utls.UTLSIdToSpec(utls.HelloChrome_Auto)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	if err := uconn.ApplyPreset(&spec); err != nil {
		_ = raw.Close()
		return nil, err
	}

	hsCtx := ctx
	if d.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, d.handshakeTimeout)
		defer cancel()
	}
	if err := uconn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("TLS 握手失败: %w", err)
	}
	if p := uconn.ConnectionState().NegotiatedProtocol; p != "" && p != "http/1.1" {
		_ = uconn.Close()
		return nil, errors.New("后端协商了非 HTTP/1.1 协议: " + p)
	}
	return uconn, nil
}
