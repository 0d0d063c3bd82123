// Package date provides a cached, thread-safe IMF-fixdate string for the
// Date response header.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

var currentDate atomic.Pointer[string]

// StartTicker refreshes the cached value every 500ms until the returned stop
// function is called.
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

	return func() {
		close(done)
	}
}

func update(now time.Time) {
	s := now.UTC().Format(http.TimeFormat)
	currentDate.Store(&s)
}

// Current returns the cached Date header value.
func Current() string {
	if p := currentDate.Load(); p != nil {
		return *p
	}
	// Not started yet.
	return time.Now().UTC().Format(http.TimeFormat)
}
