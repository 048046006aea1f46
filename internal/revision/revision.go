// Package revision issues the opaque cursor tokens that order every
// mutation. Tokens sort lexicographically in issuance order and are
// unique with overwhelming probability across processes.
package revision

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tsWidth is the fixed width of the base-36 millisecond timestamp.
// Nine base-36 digits cover timestamps far beyond year 5000, so tokens
// never grow a digit and break lexicographic ordering.
const tsWidth = 9

const randBytes = 8

// Clock issues revision tokens. The zero value is not usable; call New.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// New returns a Clock reading the system time.
func New() *Clock {
	return &Clock{now: time.Now}
}

// NewAt returns a Clock with an injected time source.
func NewAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns a fresh revision token. Tokens from one Clock are strictly
// increasing: if the wall clock stalls or steps back, the millisecond
// component is bumped past the last issued value.
func (c *Clock) Now() string {
	c.mu.Lock()
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	c.mu.Unlock()

	ts := strconv.FormatInt(ms, 36)
	if pad := tsWidth - len(ts); pad > 0 {
		ts = strings.Repeat("0", pad) + ts
	}

	suffix := make([]byte, randBytes)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// the timestamp alone rather than issuing a guessable suffix.
		return ts
	}
	return ts + "." + hex.EncodeToString(suffix)
}

// Time extracts the timestamp component of a token. Returns the zero
// time for tokens this package did not produce.
func Time(rev string) time.Time {
	if len(rev) < tsWidth {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(rev[:tsWidth], 36, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
