package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsoleLogger_LevelsAndService(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Service: "kgraph-worker", Output: &buf})

	l.Debug("[Test] hidden")
	l.Info("[Test] document extracted", "document_id", "d1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "kgraph-worker")
	assert.Contains(t, out, "[Test] document extracted")
	assert.Contains(t, out, "document_id=d1")
}

func TestConsoleLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Debug: true, Output: &buf})

	l.Debug("[Test] transition", "to", "processing")
	assert.Contains(t, buf.String(), "to=processing")
}
