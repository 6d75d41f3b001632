package clock

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// Clock abstracts wall and monotonic time so components that schedule ticks
// or stamp measurements can be driven deterministically in tests.
type Clock interface {
	// NowWall returns the current wall-clock time.
	NowWall() time.Time
	// NowMono returns a monotonic reading suitable for measuring elapsed time.
	NowMono() time.Duration
	// NowUnixMilli returns the wall clock as Unix milliseconds, the unit used
	// on the wire for measurement timestamps.
	NowUnixMilli() int64
}

// System is the production clock backed by the runtime.
type System struct{}

var monoBase = time.Now()

func (System) NowWall() time.Time { return time.Now() }

func (System) NowMono() time.Duration { return time.Since(monoBase) }

func (System) NowUnixMilli() int64 { return time.Now().UnixMilli() }

// FreshID returns a new identifier carrying 128 bits of entropy, rendered
// URL-safe (22 characters, unpadded base64url).
func FreshID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; a failure here means
		// the process environment is broken beyond recovery.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewFake creates a fake clock starting at the given wall time.
func NewFake(start time.Time) *Fake {
	return &Fake{wall: start}
}

func (f *Fake) NowWall() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

func (f *Fake) NowMono() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

func (f *Fake) NowUnixMilli() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall.UnixMilli()
}

// Advance moves both the wall and monotonic readings forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
	f.mono += d
}
