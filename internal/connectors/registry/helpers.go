package registry

import (
	"hash/fnv"
	"strings"
	"time"
)

// ConnectorLockKey hashes a lock scope into a Postgres advisory lock key.
func ConnectorLockKey(kind, name string) int64 {
	kind = strings.ToLower(strings.TrimSpace(kind))
	name = strings.ToLower(strings.TrimSpace(name))

	h := fnv.New64a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// Reporter receives sync progress events.
type Reporter interface {
	Report(Event)
}

// Event is one progress notification from an entity sync. Page is zero on
// the event that opens a run and Done is set on the one that closes it.
// The counters are running totals for the run.
type Event struct {
	WorkspaceID string
	ConnectorID string
	Entity      string
	Mode        RunMode
	Page        int
	Records     int
	Processed   int
	Created     int
	Updated     int
	Deleted     int
	Errors      int
	Done        bool
	Err         error
	At          time.Time
}
