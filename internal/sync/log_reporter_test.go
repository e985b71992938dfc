package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"github.com/tallyhq/tally/internal/connectors/registry"
)

type loggedRecord struct {
	level   slog.Level
	message string
	attrs   map[string]slog.Value
}

type recordingHandler struct {
	mu      gosync.Mutex
	records []loggedRecord
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error {
	out := loggedRecord{level: rec.Level, message: rec.Message, attrs: make(map[string]slog.Value)}
	rec.Attrs(func(a slog.Attr) bool {
		out.attrs[a.Key] = a.Value
		return true
	})
	h.mu.Lock()
	h.records = append(h.records, out)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) Records() []loggedRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]loggedRecord(nil), h.records...)
}

func (h *recordingHandler) Messages() []string {
	var out []string
	for _, r := range h.Records() {
		out = append(out, r.message)
	}
	return out
}

var reporterStart = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func syncEvent(entity string, page, processed int, at time.Time) registry.Event {
	return registry.Event{
		WorkspaceID: "ws_1",
		ConnectorID: "stripe",
		Entity:      entity,
		Mode:        registry.RunModeIncremental,
		Page:        page,
		Records:     10,
		Processed:   processed,
		Created:     processed,
		At:          at,
	}
}

func TestLogReporterThrottlesPagesByRecordStep(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	r := &LogReporter{Logger: slog.New(h), ProgressInterval: time.Hour, ProgressRecordStep: 100}

	r.Report(syncEvent("customer", 0, 0, reporterStart))
	for page := 1; page <= 50; page++ {
		r.Report(syncEvent("customer", page, page*10, reporterStart))
	}
	done := syncEvent("customer", 0, 500, reporterStart)
	done.Done = true
	r.Report(done)

	msgs := h.Messages()
	// start, one line per 100 records, complete
	if len(msgs) != 7 {
		t.Fatalf("logged %d lines %v, want 7", len(msgs), msgs)
	}
	if msgs[0] != "sync started" || msgs[6] != "sync complete" {
		t.Fatalf("messages = %v, want started ... complete", msgs)
	}
	progress := h.Records()[1]
	if got := progress.attrs["page"].Int64(); got != 10 {
		t.Fatalf("first progress page = %d, want 10", got)
	}
	if got := progress.attrs["processed"].Int64(); got != 100 {
		t.Fatalf("first progress processed = %d, want 100", got)
	}
}

func TestLogReporterLogsPagesAfterInterval(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	r := &LogReporter{Logger: slog.New(h), ProgressInterval: time.Second, ProgressRecordStep: 1 << 20}

	r.Report(syncEvent("invoice", 0, 0, reporterStart))
	offsets := []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond, 2500 * time.Millisecond}
	for i, off := range offsets {
		r.Report(syncEvent("invoice", i+1, (i+1)*10, reporterStart.Add(off)))
	}

	var pages []int64
	for _, rec := range h.Records() {
		if rec.message == "sync progress" {
			pages = append(pages, rec.attrs["page"].Int64())
		}
	}
	if len(pages) != 2 || pages[0] != 2 || pages[1] != 4 {
		t.Fatalf("logged pages = %v, want [2 4]", pages)
	}
}

func TestLogReporterTracksEntitiesSeparately(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	r := &LogReporter{Logger: slog.New(h), ProgressInterval: time.Hour, ProgressRecordStep: 100}

	r.Report(syncEvent("customer", 0, 0, reporterStart))
	r.Report(syncEvent("invoice", 0, 0, reporterStart))
	r.Report(syncEvent("customer", 1, 100, reporterStart))
	r.Report(syncEvent("invoice", 1, 50, reporterStart))
	r.Report(syncEvent("invoice", 2, 100, reporterStart))

	var entities []string
	for _, rec := range h.Records() {
		if rec.message == "sync progress" {
			entities = append(entities, rec.attrs["entity_type"].String())
		}
	}
	if len(entities) != 2 || entities[0] != "customer" || entities[1] != "invoice" {
		t.Fatalf("progress entities = %v, want [customer invoice]", entities)
	}
}

func TestLogReporterCompleteCarriesCounts(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	r := &LogReporter{Logger: slog.New(h)}

	e := registry.Event{
		WorkspaceID: "ws_1",
		ConnectorID: "shopify",
		Entity:      "order",
		Processed:   12,
		Created:     7,
		Updated:     4,
		Deleted:     1,
		Errors:      2,
		Done:        true,
	}
	r.Report(e)

	recs := h.Records()
	if len(recs) != 1 || recs[0].message != "sync complete" {
		t.Fatalf("records = %+v, want one sync complete", recs)
	}
	want := map[string]int64{"processed": 12, "created": 7, "updated": 4, "deleted": 1, "record_errors": 2}
	for k, v := range want {
		if got := recs[0].attrs[k].Int64(); got != v {
			t.Fatalf("%s = %d, want %d", k, got, v)
		}
	}
}

func TestLogReporterAlwaysLogsErrors(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	r := &LogReporter{Logger: slog.New(h), ProgressInterval: time.Hour, ProgressRecordStep: 1 << 20}

	r.Report(syncEvent("customer", 0, 0, reporterStart))
	failed := syncEvent("customer", 0, 0, reporterStart)
	failed.Done = true
	failed.Err = errors.New("boom")
	r.Report(failed)

	recs := h.Records()
	if len(recs) != 2 {
		t.Fatalf("logged %d lines, want 2", len(recs))
	}
	if recs[1].level != slog.LevelError || recs[1].message != "sync failed" {
		t.Fatalf("last record = %s %q, want ERROR sync failed", recs[1].level, recs[1].message)
	}
}
