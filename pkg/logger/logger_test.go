package logger

import (
	"fmt"
	"testing"
)

type recordingInstance struct {
	lines []string
}

func (r *recordingInstance) record(level, message string, keyvals ...any) {
	r.lines = append(r.lines, fmt.Sprintf("%s %s %v", level, message, keyvals))
}

func (r *recordingInstance) Log(m string, kv ...any)   { r.record("log", m, kv...) }
func (r *recordingInstance) Debug(m string, kv ...any) { r.record("debug", m, kv...) }
func (r *recordingInstance) Info(m string, kv ...any)  { r.record("info", m, kv...) }
func (r *recordingInstance) Warn(m string, kv ...any)  { r.record("warn", m, kv...) }
func (r *recordingInstance) Error(m string, kv ...any) { r.record("error", m, kv...) }
func (r *recordingInstance) Fatal(m string, kv ...any) { r.record("fatal", m, kv...) }

func TestLoggerFansOutToAllInstances(t *testing.T) {
	a, b := &recordingInstance{}, &recordingInstance{}
	Init(a, b)
	t.Cleanup(reset)

	Info("[Test] hello", "k", 1)
	Log("[Test] plain", "k", 2)

	for _, inst := range []*recordingInstance{a, b} {
		if len(inst.lines) != 2 {
			t.Fatalf("expected 2 lines, got %v", inst.lines)
		}
		if inst.lines[0] != "info [Test] hello [k 1]" {
			t.Fatalf("unexpected line: %q", inst.lines[0])
		}
		if inst.lines[1] != "log [Test] plain [k 2]" {
			t.Fatalf("keyvals must be forwarded by Log: %q", inst.lines[1])
		}
	}
}

func TestTemporalAdapterPrefixesMessages(t *testing.T) {
	rec := &recordingInstance{}
	Init(rec)
	t.Cleanup(reset)

	Temporal().Warn("poller stopped", "queue", "kgraph")
	if len(rec.lines) != 1 || rec.lines[0] != "warn [Temporal] poller stopped [queue kgraph]" {
		t.Fatalf("unexpected lines: %v", rec.lines)
	}
}

func TestLoggingWithoutInitIsNoop(t *testing.T) {
	reset()
	Info("nothing happens")
}
