package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Deliver(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestFormatRecord(t *testing.T) {
	t.Parallel()
	got := formatRecord([]byte(`{"level":"warn","time":"x","caller":"a.go:1","message":"task.failed","handle":"h1","code":3}`))
	want := "[WARN] task.failed\n- code=3\n- handle=h1"
	if got != want {
		t.Fatalf("formatRecord = %q, want %q", got, want)
	}

	raw := formatRecord([]byte("  not json  \n"))
	if raw != "not json" {
		t.Fatalf("formatRecord(raw) = %q", raw)
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 2), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" || m["n"] != float64(2) {
		t.Fatalf("unexpected record: %v", m)
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error must not be logged: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestSinkMinLevelAndRate(t *testing.T) {
	sink := &captureSink{}
	svc, log := New(Config{Level: "debug", Sink: SinkConfig{Enabled: true, MinLevel: "warn", RatePerSec: 1}}, sink)
	defer svc.Close()

	log.Info("ignored")
	log.Warn("first")
	log.Warn("second") // dropped by the limiter (burst 1)

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := sink.count(); n != 1 {
		t.Fatalf("sink received %d records, want 1", n)
	}
	if !strings.Contains(sink.msgs[0], "first") {
		t.Fatalf("unexpected sink record %q", sink.msgs[0])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if !ValidLevel("warning") || ValidLevel("loud") {
		t.Fatal("ValidLevel mismatch")
	}
}
