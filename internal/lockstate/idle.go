package lockstate

import (
	"sync"
	"time"
)

// IdleTimer calls onIdle once no Touch has happened for the timeout. It is
// disarmed until the first Touch and after Stop.
type IdleTimer struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	onIdle  func()
}

func NewIdleTimer(timeout time.Duration, onIdle func()) *IdleTimer {
	return &IdleTimer{timeout: timeout, onIdle: onIdle}
}

// Touch restarts the countdown.
func (t *IdleTimer) Touch() {
	if t == nil || t.timeout <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		t.timer = time.AfterFunc(t.timeout, t.onIdle)
		return
	}
	t.timer.Reset(t.timeout)
}

// Stop disarms the timer until the next Touch.
func (t *IdleTimer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
