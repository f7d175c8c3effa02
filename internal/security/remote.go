// Package security 判断请求来源：控制接口只对本机开放。
package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// RemoteIP 解析 r.RemoteAddr；IPv4-mapped 地址会被还原成 IPv4。
func RemoteIP(r *http.Request) (netip.Addr, bool) {
	if r == nil {
		return netip.Addr{}, false
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// IsLoopbackRequest 报告请求是否来自本机回环地址。转发头一律不看。
func IsLoopbackRequest(r *http.Request) bool {
	ip, ok := RemoteIP(r)
	return ok && ip.IsLoopback()
}
