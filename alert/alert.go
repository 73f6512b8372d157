// Package alert reports conditions that need operator attention but must not
// fail the operation that detected them, e.g. an account going over quota
// after a copy, or a failure to release an account lock.
//
// Alerts are logged at fatal severity without stopping the program, and
// counted in metrics. Repeated alerts for the same key are rate limited: they
// are still logged at error severity, and the next alert logged at fatal
// severity for the key includes the number suppressed in between.
package alert

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mjl-/selfmail/metrics"
	"github.com/mjl-/selfmail/mlog"
)

// Kinds of alerts.
const (
	KindLockRelease = "lockrelease"
	KindOverQuota   = "overquota"
	KindUsage       = "usage"
	KindPanic       = "panic"
)

// Sink receives alerts.
type Sink struct {
	log   *mlog.Log
	every time.Duration
	burst int

	sync.Mutex
	limiters   map[string]*rate.Limiter
	lastUsed   map[string]time.Time
	suppressed map[string]int // Since last alert logged at fatal severity.
}

// New returns a sink that logs to log, at most burst alerts per key at once and
// one per every after that.
func New(log *mlog.Log, every time.Duration, burst int) *Sink {
	if burst <= 0 {
		burst = 1
	}
	return &Sink{
		log:      log,
		every:    every,
		burst:    burst,
		limiters:   map[string]*rate.Limiter{},
		lastUsed:   map[string]time.Time{},
		suppressed: map[string]int{},
	}
}

// Default is used when no sink is configured.
var Default = New(mlog.New("alert"), time.Minute, 3)

// allow returns whether an alert for kind and key can be logged at fatal
// severity. If so, the number of alerts suppressed before it is returned and
// reset.
func (s *Sink) allow(kind, key string) (bool, int) {
	s.Lock()
	defer s.Unlock()

	k := kind + "\x00" + key
	l, ok := s.limiters[k]
	if !ok {
		// Forget limiters not used for a while, keys are account names.
		if len(s.limiters) > 1000 {
			for xk, t := range s.lastUsed {
				if time.Since(t) > 10*s.every && s.suppressed[xk] == 0 {
					delete(s.limiters, xk)
					delete(s.lastUsed, xk)
				}
			}
		}
		l = rate.NewLimiter(rate.Every(s.every), s.burst)
		s.limiters[k] = l
	}
	s.lastUsed[k] = time.Now()
	if !l.Allow() {
		s.suppressed[k]++
		return false, 0
	}
	n := s.suppressed[k]
	delete(s.suppressed, k)
	return true, n
}

// Raise records an alert of kind for key (typically an account name). The
// alert is always counted. It is logged at fatal severity unless too many
// alerts for the same kind and key were raised recently, in which case it is
// logged at error severity. Returns whether the alert was logged at fatal
// severity.
func (s *Sink) Raise(kind, key, text string, err error, fields ...mlog.Pair) bool {
	metrics.AlertInc(kind)
	fields = append(fields, mlog.Field("kind", kind), mlog.Field("key", key))
	ok, n := s.allow(kind, key)
	if !ok {
		s.log.Errorx(text+" (alert rate limited)", err, fields...)
		return false
	}
	if n > 0 {
		fields = append(fields, mlog.Field("suppressed", n))
	}
	s.log.Alertx(text, err, fields...)
	return true
}
