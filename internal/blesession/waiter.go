package blesession

import (
	"context"
	"sync"
	"time"
)

// waiter 单槽有界等待：一次只守护一个未完成操作。
// armed 标记保证超时之后迟到的回调不会重复完成。
type waiter struct {
	mu    sync.Mutex
	armed bool
	ch    chan error
}

// arm 登记一次等待；已有未完成的等待时返回 false
func (w *waiter) arm() (<-chan error, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed {
		return nil, false
	}
	w.armed = true
	w.ch = make(chan error, 1)
	return w.ch, true
}

// signal 完成等待；未登记（或已超时）时忽略并返回 false
func (w *waiter) signal(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return false
	}
	w.armed = false
	w.ch <- err
	return true
}

func (w *waiter) disarm() {
	w.mu.Lock()
	w.armed = false
	w.mu.Unlock()
}

// await 等待回调、超时或 ctx 取消，timeout<=0 表示不设超时
func (w *waiter) await(ctx context.Context, ch <-chan error, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case err := <-ch:
		return err
	case <-expired:
		w.disarm()
		return ErrTimeout
	case <-ctx.Done():
		w.disarm()
		return ctx.Err()
	}
}
