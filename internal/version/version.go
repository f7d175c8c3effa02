// Package version 提供构建信息：发布构建通过 -ldflags 注入，本地构建回退到 go 工具链记录的 VCS 信息。
package version

import (
	"runtime/debug"
	"strings"
)

type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

func Info() BuildInfo {
	info := BuildInfo{Version: Version, Commit: Commit, Date: Date}
	if info.Commit != "none" && info.Date != "unknown" {
		return info
	}
	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" && s.Value != "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "unknown" && s.Value != "" {
				info.Date = s.Value
			}
		}
	}
	return info
}

// String 形如 "1.2.0 (abc1234, 2025-01-01T00:00:00Z)"。
func (b BuildInfo) String() string {
	commit := b.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	var sb strings.Builder
	sb.WriteString(b.Version)
	sb.WriteString(" (")
	sb.WriteString(commit)
	sb.WriteString(", ")
	sb.WriteString(b.Date)
	sb.WriteString(")")
	return sb.String()
}
