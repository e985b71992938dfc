package sync

import (
	"log/slog"
	gosync "sync"
	"time"

	"github.com/tallyhq/tally/internal/connectors/registry"
)

const (
	defaultProgressInterval   = 5 * time.Second
	defaultProgressRecordStep = 1000
)

type runKey struct {
	workspace string
	connector string
	entity    string
}

type runProgress struct {
	loggedAt        time.Time
	loggedProcessed int
}

// LogReporter logs sync events. Page events for one (connector, entity) run
// are throttled to one line per ProgressInterval or ProgressRecordStep
// processed records, whichever comes first. Start, finish and failure
// events are always logged.
type LogReporter struct {
	Logger             *slog.Logger
	ProgressInterval   time.Duration
	ProgressRecordStep int

	mu   gosync.Mutex
	runs map[runKey]runProgress
}

func (r *LogReporter) Report(e registry.Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := e.At
	if now.IsZero() {
		now = time.Now()
	}
	key := runKey{workspace: e.WorkspaceID, connector: e.ConnectorID, entity: e.Entity}
	attrs := []any{"workspace", e.WorkspaceID, "connector", e.ConnectorID, "entity_type", e.Entity}

	switch {
	case e.Done:
		r.forget(key)
		attrs = append(attrs, countAttrs(e)...)
		if e.Err != nil {
			logger.Error("sync failed", append(attrs, "errors", e.Errors, "err", e.Err)...)
			return
		}
		if e.Errors > 0 {
			attrs = append(attrs, "record_errors", e.Errors)
		}
		logger.Info("sync complete", attrs...)
	case e.Err != nil:
		logger.Error("sync page failed", append(attrs, "page", e.Page, "err", e.Err)...)
	case e.Page == 0:
		r.remember(key, now)
		logger.Info("sync started", append(attrs, "mode", string(e.Mode))...)
	default:
		if !r.shouldLogPage(key, now, e.Processed) {
			return
		}
		attrs = append(attrs, "page", e.Page, "page_records", e.Records)
		logger.Info("sync progress", append(attrs, countAttrs(e)...)...)
	}
}

func countAttrs(e registry.Event) []any {
	return []any{
		"processed", e.Processed,
		"created", e.Created,
		"updated", e.Updated,
		"deleted", e.Deleted,
	}
}

func (r *LogReporter) shouldLogPage(key runKey, now time.Time, processed int) bool {
	interval := r.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	step := r.ProgressRecordStep
	if step <= 0 {
		step = defaultProgressRecordStep
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[runKey]runProgress)
	}
	last, seen := r.runs[key]
	if seen && now.Sub(last.loggedAt) < interval && processed < last.loggedProcessed+step {
		return false
	}
	r.runs[key] = runProgress{loggedAt: now, loggedProcessed: processed}
	return true
}

// remember marks the start of a run so the first page waits out the interval.
func (r *LogReporter) remember(key runKey, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[runKey]runProgress)
	}
	r.runs[key] = runProgress{loggedAt: now}
}

func (r *LogReporter) forget(key runKey) {
	r.mu.Lock()
	delete(r.runs, key)
	r.mu.Unlock()
}
