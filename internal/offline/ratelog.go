package offline

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// rateLimitedLogger drops all but the first warning in each interval. Used
// for conditions that repeat every few seconds while offline.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	log.Warn().Msgf(format, args...)
}
