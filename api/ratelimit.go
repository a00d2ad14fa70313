package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/ironsync/transport"
)

// authRateLimiter tracks failed basic-auth attempts per user and enforces
// exponential backoff.
type authRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure a record is forgotten.
	attemptExpiry = 1 * time.Hour
)

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

// check reports whether user is locked out and for how long.
func (rl *authRateLimiter) check(user string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[user]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, user)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *authRateLimiter) recordFailure(user string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[user]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[user] = rec
	}
	rec.failures++
	rec.lastFailure = rl.now()

	if rec.failures >= maxFailures {
		lockout := baseLockout
		for i := 0; i < rec.failures-maxFailures; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = rec.lastFailure.Add(lockout)
	}
}

func (rl *authRateLimiter) recordSuccess(user string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, user)
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if d > time.Duration(secs)*time.Second {
		secs++
	}
	return strconv.Itoa(max(secs, 1))
}

// writeRateLimited sends a 429 carrying both backoff headers the sync
// client understands.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	v := retryAfterString(retryAfter)
	w.Header().Set(transport.HeaderRetryAfter, v)
	w.Header().Set(transport.HeaderBackoff, v)
	writeError(w, http.StatusTooManyRequests, "too many failed authentication attempts; try again later")
}
