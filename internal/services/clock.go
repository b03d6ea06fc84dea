package services

import (
	"sync"
	"time"
)

// Clock 可注入的时钟；测试用假时钟推进时间触发定时器
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

// SystemClock 真实时钟
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// repeater 基于 AfterFunc 的周期任务（每次执行后重新挂载）
type repeater struct {
	mu      sync.Mutex
	clock   Clock
	every   time.Duration
	fn      func()
	timer   Timer
	stopped bool
}

func every(c Clock, d time.Duration, fn func()) *repeater {
	r := &repeater{clock: c, every: d, fn: fn}
	r.arm()
	return r
}

func (r *repeater) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.timer = r.clock.AfterFunc(r.every, r.tick)
}

func (r *repeater) tick() {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	r.fn()
	r.arm()
}

func (r *repeater) Stop() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
	return true
}
