package date

import (
	"net/http"
	"testing"
	"time"
)

func TestCurrent(t *testing.T) {
	stop := StartTicker()
	defer stop()

	got := Current()
	ts, err := http.ParseTime(got)
	if err != nil {
		t.Fatalf("Current() = %q is not an HTTP date: %v", got, err)
	}
	if d := time.Since(ts); d < -time.Second || d > 2*time.Second {
		t.Errorf("Current() is %v away from now", d)
	}
	if got[len(got)-3:] != "GMT" {
		t.Errorf("Current() = %q, want GMT zone", got)
	}
}

func TestUpdate(t *testing.T) {
	update(time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600)))
	if got, want := Current(), "Wed, 04 Mar 2026 04:06:07 GMT"; got != want {
		t.Errorf("Current() = %q, want %q", got, want)
	}
}
