package service

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/logging"
)

func newTestTracer(t *testing.T, cfg TraceConfig) *Tracer {
	t.Helper()
	if cfg.Mode == "" {
		cfg.Mode = TraceModeEvents
	}
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	tracer := NewTracer(cfg, logging.NewNop())
	if !tracer.Enabled() {
		t.Fatalf("tracer disabled")
	}
	return tracer
}

func readTraceRecords(t *testing.T, dir string) []traceRecord {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, "trace.jsonl"))
	if err != nil {
		t.Fatalf("reading trace.jsonl: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	records := make([]traceRecord, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var record traceRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("unmarshal trace record: %v", err)
		}
		records = append(records, record)
	}
	return records
}

func TestTracerRecordsEventsInOrder(t *testing.T) {
	dir := t.TempDir()
	tracer := newTestTracer(t, TraceConfig{Dir: dir})

	tracer.Handle(events.NewInstanceStartedEvent("wf", "inst-1", "1.0.0", ""))
	tracer.Handle(events.NewPhaseStartedEvent("wf", "inst-1", "plan", "exec-1", "planning"))
	tracer.Handle(events.NewPhaseCompletedEvent("wf", "inst-1", "plan", "exec-1", 1, time.Second, nil))

	records := readTraceRecords(t, filepath.Join(dir, "inst-1"))
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, r := range records {
		if r.Seq != i+1 {
			t.Fatalf("record %d has seq %d", i, r.Seq)
		}
		if r.HashRaw == "" {
			t.Fatalf("record %d has no hash", i)
		}
	}
	if records[1].EventType != events.TypePhaseStarted {
		t.Fatalf("unexpected event type %q", records[1].EventType)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(records[1].Event, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["phase_id"] != "plan" {
		t.Fatalf("payload lost phase_id: %v", payload)
	}

	summary, ok := tracer.Summary("inst-1")
	if !ok || summary.Events != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestTracerWritesManifestAtTerminalEvent(t *testing.T) {
	dir := t.TempDir()
	tracer := newTestTracer(t, TraceConfig{Dir: dir})

	tracer.Handle(events.NewInstanceStartedEvent("wf", "inst-2", "1.0.0", ""))
	tracer.Handle(events.NewInstanceFailedEvent("wf", "inst-2", "write", "RUNNER_FAILED", errors.New("boom")))

	data, err := os.ReadFile(filepath.Join(dir, "inst-2", "instance.json"))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var summary TraceSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if summary.Status != "failed" || summary.Events != 2 || summary.WorkflowID != "wf" {
		t.Fatalf("unexpected manifest %+v", summary)
	}
	if _, ok := tracer.Summary("inst-2"); ok {
		t.Fatalf("finished instance still tracked")
	}
}

func TestTracerRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	tracer := newTestTracer(t, TraceConfig{Dir: dir})

	secret := "sk-abcdefghijklmnopqrstuvwxyz123456"
	tracer.Handle(events.NewPhaseProgressEvent("wf", "inst-3", "write", "exec-1", 1, "using key "+secret, 0))

	data, err := os.ReadFile(filepath.Join(dir, "inst-3", "trace.jsonl"))
	if err != nil {
		t.Fatalf("reading trace: %v", err)
	}
	if strings.Contains(string(data), secret) {
		t.Fatalf("secret leaked into trace")
	}
	records := readTraceRecords(t, filepath.Join(dir, "inst-3"))
	if !records[0].Redacted {
		t.Fatalf("record not flagged as redacted")
	}
}

func TestTracerTruncatesLargeRecords(t *testing.T) {
	dir := t.TempDir()
	tracer := newTestTracer(t, TraceConfig{Dir: dir, MaxRecordBytes: 128})

	tracer.Handle(events.NewPhaseProgressEvent("wf", "inst-4", "write", "exec-1", 1, strings.Repeat("x", 1024), 0))

	records := readTraceRecords(t, filepath.Join(dir, "inst-4"))
	if !records[0].Truncated {
		t.Fatalf("record not truncated")
	}
	if len(records[0].Text) != 128 || !strings.HasSuffix(records[0].Text, "[trace truncated]") {
		t.Fatalf("unexpected truncated text length %d", len(records[0].Text))
	}
}

func TestTracerDropsPastInstanceBudget(t *testing.T) {
	dir := t.TempDir()
	tracer := newTestTracer(t, TraceConfig{Dir: dir, MaxRecordBytes: 512, MaxInstanceBytes: 600})

	for i := 0; i < 10; i++ {
		tracer.Handle(events.NewPhaseProgressEvent("wf", "inst-5", "write", "exec-1", 1, "chunk", 0))
	}

	summary, ok := tracer.Summary("inst-5")
	if !ok {
		t.Fatalf("instance not tracked")
	}
	if summary.Dropped == 0 || summary.Bytes > 600 {
		t.Fatalf("budget not enforced: %+v", summary)
	}
	if got := len(readTraceRecords(t, filepath.Join(dir, "inst-5"))); got != summary.Events {
		t.Fatalf("expected %d records on disk, got %d", summary.Events, got)
	}
}

func TestTracerOffMode(t *testing.T) {
	dir := t.TempDir()
	tracer := NewTracer(TraceConfig{Mode: TraceModeOff, Dir: dir}, nil)
	if tracer.Enabled() {
		t.Fatalf("off tracer reports enabled")
	}
	tracer.Handle(events.NewInstanceStartedEvent("wf", "inst-6", "1.0.0", ""))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("off tracer wrote %d entries", len(entries))
	}

	var nilTracer *Tracer
	nilTracer.Handle(events.NewInstanceStartedEvent("wf", "inst-6", "1.0.0", ""))
}

func TestTracerAttachFollowsBus(t *testing.T) {
	dir := t.TempDir()
	tracer := newTestTracer(t, TraceConfig{Dir: dir})
	bus := events.New(16)
	defer bus.Close()
	emitter := events.NewEmitter(bus, nil)

	sub := tracer.Attach(emitter)
	if sub == nil {
		t.Fatalf("no subscription")
	}
	emitter.Emit(events.NewInstanceStartedEvent("wf", "inst-7", "1.0.0", ""))
	emitter.Emit(events.NewInstanceCompletedEvent("wf", "inst-7", time.Second))

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "inst-7", "instance.json")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("manifest never written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sub.Close()
}

func TestSanitizeTraceID(t *testing.T) {
	if got := sanitizeTraceID("a/b c-1_2"); got != "a_b_c-1_2" {
		t.Fatalf("unexpected id %q", got)
	}
}
