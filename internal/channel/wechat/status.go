package wechat

import (
	"sync"
	"time"
)

type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateScanned  State = "scanned"
	StateVerified State = "verified"
	StateFailed   State = "failed"
)

// Terminal 报告扫码流程是否已结束（verified/failed 之后不再迁移，直到下一次登录重新开始）。
func (s State) Terminal() bool { return s == StateVerified || s == StateFailed }

type Status struct {
	State     State     `json:"state"`
	QRURL     string    `json:"qr_url,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	// PNG 为二维码图片，控制接口直接输出。
	PNG []byte `json:"-"`
}

// Board 缓存当前微信扫码状态，登录流程写入，控制接口独立读取。
type Board struct {
	mu sync.Mutex
	st Status
}

func NewBoard() *Board {
	return &Board{st: Status{State: StateIdle}}
}

func (b *Board) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.st
	st.PNG = append([]byte(nil), b.st.PNG...)
	return st
}

// begin 开始新一轮登录；上一轮未结束时拒绝。
func (b *Board) begin(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st.State {
	case StateLoading, StateReady, StateScanned:
		return false
	}
	b.st = Status{State: StateLoading, UpdatedAt: now}
	return true
}

func (b *Board) ready(now time.Time, qrURL string, png []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = Status{State: StateReady, QRURL: qrURL, PNG: png, UpdatedAt: now}
}

func (b *Board) set(now time.Time, st State, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st.State.Terminal() {
		return
	}
	b.st.State = st
	b.st.Message = msg
	b.st.UpdatedAt = now
	if st.Terminal() {
		b.st.PNG = nil
	}
}
