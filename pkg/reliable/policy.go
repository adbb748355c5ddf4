package reliable

import (
	"sync/atomic"
	"time"
)

const (
	DefaultRetryLimit   = 10
	DefaultBaseWait     = 1 * time.Second
	DefaultPerRetryWait = 1 * time.Second
)

// Flag is a process-wide switch checked after every backoff wait.
type Flag struct{ v atomic.Bool }

func (f *Flag) Set()        { f.v.Store(true) }
func (f *Flag) IsSet() bool { return f.v.Load() }

// Shutdown is raised by the composition root when the process is going down.
var Shutdown Flag

type Policy struct {
	Limit        int
	BaseWait     time.Duration
	PerRetryWait time.Duration
	// After replaces time.After in tests.
	After func(time.Duration) <-chan time.Time
	// Shutdown defaults to the process-wide flag.
	Shutdown *Flag
}

func DefaultPolicy() Policy {
	return Policy{Limit: DefaultRetryLimit, BaseWait: DefaultBaseWait, PerRetryWait: DefaultPerRetryWait}
}

// Backoff returns the linear wait before the retry number retryCount+1.
func Backoff(base, perRetry time.Duration, retryCount int) time.Duration {
	return max(base+time.Duration(retryCount)*perRetry, 0)
}

func (p Policy) Wait(retryCount int) time.Duration {
	return Backoff(p.BaseWait, p.PerRetryWait, retryCount)
}

func (p Policy) after(d time.Duration) <-chan time.Time {
	if p.After != nil {
		return p.After(d)
	}
	return time.After(d)
}

func (p Policy) shuttingDown() bool {
	if p.Shutdown != nil {
		return p.Shutdown.IsSet()
	}
	return Shutdown.IsSet()
}
