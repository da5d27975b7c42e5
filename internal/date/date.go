// Package date caches the value of the HTTP Date header.
package date

import (
	"sync/atomic"
	"time"
)

// Layout is the IMF-fixdate format required for HTTP dates.
const Layout = "Mon, 02 Jan 2006 15:04:05 GMT"

var current atomic.Pointer[[]byte]

// StartTicker refreshes the cached value twice a second until the returned
// stop function is called.
func StartTicker() func() {
	update(time.Now())

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case now := <-ticker.C:
				update(now)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(done)
		}
	}
}

func update(now time.Time) {
	b := now.UTC().AppendFormat(make([]byte, 0, len(Layout)), Layout)
	current.Store(&b)
}

// Current returns the cached Date header value. Callers must not modify it.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().AppendFormat(nil, Layout)
}
