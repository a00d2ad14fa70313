package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/transport"
)

// clock hands out strictly increasing write timestamps at the wire's 10ms
// resolution, so newer= queries never miss a write that shares a tick.
type clock struct {
	mu   sync.Mutex
	now  func() int64
	last int64
}

func (c *clock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now()
	if t <= c.last {
		t = c.last + 10
	}
	c.last = t
	return t
}

func (c *clock) current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(c.now(), c.last)
}

// timestampHeader sets X-Weave-Timestamp before the handler runs. Write
// handlers overwrite it with the timestamp they assigned.
func (a *API) timestampHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(transport.HeaderTimestamp, record.FormatSeconds(a.clock.current()))
		next.ServeHTTP(w, r)
	})
}

func setTimestamp(w http.ResponseWriter, ms int64) {
	w.Header().Set(transport.HeaderTimestamp, record.FormatSeconds(ms))
}

// collectionKey namespaces a user's collection inside the shared store.
func collectionKey(user, collection string) string {
	return user + "/" + collection
}

func userPrefix(user string) string {
	return user + "/"
}

func trimUser(user, key string) (string, bool) {
	return strings.CutPrefix(key, userPrefix(user))
}
