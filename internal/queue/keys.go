package queue

import "strings"

// keys builds the Redis key names of one queue. Every key the queue writes
// lives under "<prefix>:<name>:".
type keys struct {
	base string
}

func newKeys(prefix, name string) keys {
	return keys{base: prefix + ":" + name + ":"}
}

func (k keys) id() string        { return k.base + "id" }
func (k keys) wait() string      { return k.base + "wait" }
func (k keys) active() string    { return k.base + "active" }
func (k keys) delayed() string   { return k.base + "delayed" }
func (k keys) completed() string { return k.base + "completed" }
func (k keys) failed() string    { return k.base + "failed" }

func (k keys) job(id string) string  { return k.base + id }
func (k keys) lock(id string) string { return k.base + id + ":lock" }

// Pattern matches every key owned by the queue
func (k keys) pattern() string { return k.base + "*" }

// StalledFailedReason is recorded on jobs that stalled more than MaxStalledCount times
const StalledFailedReason = "job stalled more than allowable limit"

var reservedJobIDs = map[string]struct{}{
	"id":        {},
	"wait":      {},
	"active":    {},
	"delayed":   {},
	"completed": {},
	"failed":    {},
}

// ValidJobID reports whether id can name a job hash without colliding with
// the queue's lists, sets, counter or another job's lock key
func ValidJobID(id string) bool {
	if id == "" || strings.Contains(id, ":") {
		return false
	}
	_, reserved := reservedJobIDs[id]
	return !reserved
}
