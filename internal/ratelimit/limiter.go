// Package ratelimit gates send attempts with per-channel quota windows.
//
// Each channel carries three fixed windows (minute, hour, day) that roll
// over lazily on check. A reservation increments all three counters
// atomically; quota is never refunded when the downstream send fails, which
// keeps hot-retry storms from bypassing the caps.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"outreachd/internal/domain"
)

// Caps are one channel's window limits. Zero disables that window.
type Caps struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// RateLimitedError reports a capped reservation and how long until the most
// constraining window resets. The caller is expected to retry no earlier
// than RetryAfter.
type RateLimitedError struct {
	Channel    domain.Channel
	Window     string // "minute" | "hour" | "day"
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s (%s window, retry in %s)", e.Channel, e.Window, e.RetryAfter)
}

type window struct {
	count   int
	resetAt time.Time
}

type channelWindows struct {
	minute window
	hour   window
	day    window
}

// Limiter holds the shared per-channel counters. All mutation happens under
// one mutex; the check itself is non-blocking.
//
// Counters are in-memory only and reset on restart. That is acceptable: the
// limiter is advisory pacing, not a hard SLA.
type Limiter struct {
	mu   sync.Mutex
	caps map[domain.Channel]Caps
	wins map[domain.Channel]*channelWindows

	now func() time.Time
}

func New(caps map[domain.Channel]Caps) *Limiter {
	l := &Limiter{
		caps: map[domain.Channel]Caps{},
		wins: map[domain.Channel]*channelWindows{},
		now:  time.Now,
	}
	l.Apply(caps)
	return l
}

// Apply replaces the channel caps. Live counters keep their current counts;
// only the limits change (hot reload path).
func (l *Limiter) Apply(caps map[domain.Channel]Caps) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caps = map[domain.Channel]Caps{}
	for ch, c := range caps {
		l.caps[ch] = c
	}
}

// SetNow overrides the clock (tests).
func (l *Limiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// CheckAndReserve consumes one unit of quota on every window of the channel.
//
// It returns nil when the reservation was made, or a *RateLimitedError when
// any window is at cap. In the limited case nothing is consumed.
func (l *Limiter) CheckAndReserve(ch domain.Channel) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	caps := l.caps[ch]
	w := l.wins[ch]
	if w == nil {
		w = &channelWindows{}
		l.wins[ch] = w
	}

	rollover(&w.minute, now, time.Minute)
	rollover(&w.hour, now, time.Hour)
	rollover(&w.day, now, 24*time.Hour)

	// All three windows must have room. When more than one is at cap the
	// most constraining one wins: sending cannot succeed before the last
	// capped window resets.
	var limited *RateLimitedError
	check := func(win *window, cap int, name string) {
		if cap <= 0 || win.count < cap {
			return
		}
		after := win.resetAt.Sub(now)
		if after < 0 {
			after = 0
		}
		if limited == nil || after > limited.RetryAfter {
			limited = &RateLimitedError{Channel: ch, Window: name, RetryAfter: after}
		}
	}
	check(&w.minute, caps.PerMinute, "minute")
	check(&w.hour, caps.PerHour, "hour")
	check(&w.day, caps.PerDay, "day")
	if limited != nil {
		return limited
	}

	w.minute.count++
	w.hour.count++
	w.day.count++
	return nil
}

// rollover restarts a window whose reset time has passed. Windows are
// anchored at the first reservation after a reset, not at calendar bounds.
func rollover(w *window, now time.Time, span time.Duration) {
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(span)
	}
}

// Usage is a point-in-time view of one channel's windows (operator surface).
type Usage struct {
	Channel domain.Channel
	Minute  WindowUsage
	Hour    WindowUsage
	Day     WindowUsage
}

type WindowUsage struct {
	Count   int
	Cap     int
	ResetAt time.Time
}

// Snapshot reports current usage for every channel with live counters.
func (l *Limiter) Snapshot() []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Usage, 0, len(l.wins))
	for _, ch := range domain.Channels() {
		w := l.wins[ch]
		if w == nil {
			continue
		}
		caps := l.caps[ch]
		out = append(out, Usage{
			Channel: ch,
			Minute:  WindowUsage{Count: w.minute.count, Cap: caps.PerMinute, ResetAt: w.minute.resetAt},
			Hour:    WindowUsage{Count: w.hour.count, Cap: caps.PerHour, ResetAt: w.hour.resetAt},
			Day:     WindowUsage{Count: w.day.count, Cap: caps.PerDay, ResetAt: w.day.resetAt},
		})
	}
	return out
}
