package fetcher

import (
	"sync"
	"time"
)

// LoadingIndicator is the process-wide "loading" flag. It counts
// overlapping Begin calls and a watchdog forces it off if an end is lost.
type LoadingIndicator struct {
	mu         sync.Mutex
	count      int
	generation uint64
	watchdog   time.Duration
	timer      *time.Timer
	listeners  []func(bool)
}

func NewLoadingIndicator(watchdog time.Duration) *LoadingIndicator {
	return &LoadingIndicator{watchdog: watchdog}
}

func (l *LoadingIndicator) OnChange(fn func(active bool)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *LoadingIndicator) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count > 0
}

// Begin raises the flag and returns the func that lowers it again. The
// returned func is safe to call more than once.
func (l *LoadingIndicator) Begin() (end func()) {
	l.mu.Lock()
	l.count++
	gen := l.generation
	raised := l.count == 1
	if raised && l.watchdog > 0 {
		l.timer = time.AfterFunc(l.watchdog, func() { l.expire(gen) })
	}
	listeners := l.snapshotListeners()
	l.mu.Unlock()
	if raised {
		notify(listeners, true)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.end(gen) })
	}
}

func (l *LoadingIndicator) end(gen uint64) {
	l.mu.Lock()
	if gen != l.generation || l.count == 0 {
		l.mu.Unlock()
		return
	}
	l.count--
	lowered := l.count == 0
	if lowered {
		l.stopTimer()
		l.generation++
	}
	listeners := l.snapshotListeners()
	l.mu.Unlock()
	if lowered {
		notify(listeners, false)
	}
}

func (l *LoadingIndicator) expire(gen uint64) {
	l.mu.Lock()
	if gen != l.generation || l.count == 0 {
		l.mu.Unlock()
		return
	}
	l.count = 0
	l.generation++
	l.timer = nil
	listeners := l.snapshotListeners()
	l.mu.Unlock()
	notify(listeners, false)
}

func (l *LoadingIndicator) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *LoadingIndicator) snapshotListeners() []func(bool) {
	return append([]func(bool){}, l.listeners...)
}

func notify(listeners []func(bool), active bool) {
	for _, fn := range listeners {
		fn(active)
	}
}
