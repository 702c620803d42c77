package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/logging"
)

// Trace modes.
const (
	TraceModeOff    = "off"
	TraceModeEvents = "events"
)

// TraceConfig configures per-instance event traces.
type TraceConfig struct {
	Mode             string `json:"mode"`
	Dir              string `json:"dir"`
	MaxRecordBytes   int64  `json:"max_record_bytes"`
	MaxInstanceBytes int64  `json:"max_instance_bytes"`
}

// TraceSummary describes the trace of one instance.
type TraceSummary struct {
	InstanceID string    `json:"instance_id"`
	WorkflowID string    `json:"workflow_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	Status     string    `json:"status,omitempty"`
	Events     int       `json:"events"`
	Dropped    int       `json:"dropped,omitempty"`
	Bytes      int64     `json:"bytes"`
	Dir        string    `json:"dir"`
}

// Tracer appends every engine event to <dir>/<instance>/trace.jsonl and
// writes an instance.json manifest when the instance ends. Payloads pass
// through the log sanitizer before they reach disk.
type Tracer struct {
	cfg       TraceConfig
	sanitizer *logging.Sanitizer
	logger    *logging.Logger

	mu        sync.Mutex
	enabled   bool
	warned    bool
	instances map[string]*instanceTrace
}

type instanceTrace struct {
	seq     int
	summary TraceSummary
}

// NewTracer creates a tracer. A nil tracer and an "off" mode both discard events.
func NewTracer(cfg TraceConfig, logger *logging.Logger) *Tracer {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg = normalizeTraceConfig(cfg)
	return &Tracer{
		cfg:       cfg,
		sanitizer: logger.Sanitizer(),
		logger:    logger,
		enabled:   cfg.Mode == TraceModeEvents,
		instances: make(map[string]*instanceTrace),
	}
}

// Enabled reports whether events are being recorded.
func (t *Tracer) Enabled() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Attach subscribes the tracer to every instance on emitter.
func (t *Tracer) Attach(emitter *events.Emitter) *events.Subscription {
	if !t.Enabled() || emitter == nil {
		return nil
	}
	return emitter.Subscribe("", t.Handle)
}

// Handle records one event. It is an events.Handler.
func (t *Tracer) Handle(ev events.Event) {
	if t == nil || ev.InstanceID() == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}

	id := sanitizeTraceID(ev.InstanceID())
	it, ok := t.instances[id]
	if !ok {
		dir := filepath.Join(t.cfg.Dir, id)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.disableWithWarning(fmt.Errorf("creating trace dir: %w", err))
			return
		}
		it = &instanceTrace{summary: TraceSummary{
			InstanceID: ev.InstanceID(),
			WorkflowID: ev.WorkflowID(),
			StartedAt:  ev.Timestamp().UTC(),
			Dir:        dir,
		}}
		t.instances[id] = it
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		t.logger.Warn("trace event not serializable", "event", ev.EventType(), "error", err)
		return
	}
	raw := hashContent(payload)
	stored, redacted := t.redact(payload)
	stored, truncated := t.truncate(stored)

	it.seq++
	rec := traceRecord{
		Seq:       it.seq,
		Timestamp: ev.Timestamp().UTC().Format(time.RFC3339Nano),
		EventType: ev.EventType(),
		HashRaw:   raw,
		Redacted:  redacted,
		Truncated: truncated,
	}
	if truncated {
		rec.Text = string(stored)
	} else {
		rec.Event = json.RawMessage(stored)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		t.logger.Warn("trace record not serializable", "event", ev.EventType(), "error", err)
		return
	}
	line = append(line, '\n')

	if t.cfg.MaxInstanceBytes > 0 && it.summary.Bytes+int64(len(line)) > t.cfg.MaxInstanceBytes {
		it.summary.Dropped++
	} else if err := appendLine(filepath.Join(it.summary.Dir, "trace.jsonl"), line); err != nil {
		t.disableWithWarning(fmt.Errorf("writing trace record: %w", err))
		return
	} else {
		it.summary.Events++
		it.summary.Bytes += int64(len(line))
	}

	if status, done := terminalStatus(ev.EventType()); done {
		it.summary.EndedAt = ev.Timestamp().UTC()
		it.summary.Status = status
		if err := t.writeManifest(it.summary); err != nil {
			t.disableWithWarning(fmt.Errorf("writing trace manifest: %w", err))
		}
		delete(t.instances, id)
	}
}

// Summary returns the in-progress summary of an instance trace.
func (t *Tracer) Summary(instanceID string) (TraceSummary, bool) {
	if t == nil {
		return TraceSummary{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.instances[sanitizeTraceID(instanceID)]
	if !ok {
		return TraceSummary{}, false
	}
	return it.summary, true
}

func terminalStatus(eventType string) (string, bool) {
	switch eventType {
	case events.TypeInstanceCompleted:
		return "complete", true
	case events.TypeInstanceFailed:
		return "failed", true
	case events.TypeInstanceCancelled:
		return "cancelled", true
	}
	return "", false
}

func (t *Tracer) redact(content []byte) ([]byte, bool) {
	if t.sanitizer == nil {
		return content, false
	}
	out := t.sanitizer.Sanitize(string(content))
	return []byte(out), out != string(content)
}

func (t *Tracer) truncate(content []byte) ([]byte, bool) {
	if t.cfg.MaxRecordBytes <= 0 || int64(len(content)) <= t.cfg.MaxRecordBytes {
		return content, false
	}

	marker := []byte("[trace truncated]")
	limit := t.cfg.MaxRecordBytes - int64(len(marker))
	if limit <= 0 {
		return content[:int(t.cfg.MaxRecordBytes)], true
	}
	result := append([]byte{}, content[:int(limit)]...)
	result = append(result, marker...)
	return result, true
}

func (t *Tracer) writeManifest(summary TraceSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(summary.Dir, "instance.json"), data, 0o600)
}

func (t *Tracer) disableWithWarning(err error) {
	if !t.enabled {
		return
	}
	t.enabled = false
	if t.warned {
		return
	}
	t.warned = true
	t.logger.Warn("trace disabled", "error", err)
}

func appendLine(path string, line []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err = file.Write(line); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func normalizeTraceConfig(cfg TraceConfig) TraceConfig {
	cfg.Mode = strings.TrimSpace(cfg.Mode)
	if cfg.Mode == "" {
		cfg.Mode = TraceModeOff
	}
	if cfg.Dir == "" {
		cfg.Dir = ".quorum-flow/traces"
	}
	if cfg.MaxRecordBytes <= 0 {
		cfg.MaxRecordBytes = 65536
	}
	if cfg.MaxInstanceBytes <= 0 {
		cfg.MaxInstanceBytes = 10485760
	}
	if cfg.MaxInstanceBytes < cfg.MaxRecordBytes {
		cfg.MaxInstanceBytes = cfg.MaxRecordBytes
	}
	return cfg
}

func sanitizeTraceID(input string) string {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func hashContent(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

type traceRecord struct {
	Seq       int             `json:"seq"`
	Timestamp string          `json:"ts"`
	EventType string          `json:"event_type"`
	HashRaw   string          `json:"hash_raw"`
	Redacted  bool            `json:"redacted,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Text      string          `json:"text,omitempty"`
}
