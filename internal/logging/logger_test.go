package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrNopWithNil(t *testing.T) {
	logger := OrNop(nil)
	assert.NotNil(t, logger)
	// Must not panic.
	logger.Info("hello %s", "world")
}

func TestOrNopWithTypedNil(t *testing.T) {
	var typed *slogLogger
	logger := OrNop(typed)
	logger.Warn("no panic")
}

func TestSlogLoggerWritesFormatted(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Format: "json", Output: &buf})

	logger.Info("task %s done", "t-1")

	out := buf.String()
	assert.Contains(t, out, "task t-1 done")
	assert.Contains(t, out, `"level":"INFO"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Output: &buf})

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Error("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestMultiFansOut(t *testing.T) {
	var a, b bytes.Buffer
	logger := Multi(
		New(Config{Level: "debug", Output: &a}),
		nil,
		New(Config{Level: "debug", Output: &b}),
	)

	logger.Info("fan out")

	assert.Contains(t, a.String(), "fan out")
	assert.Contains(t, b.String(), "fan out")
}

func TestMultiFlattensNested(t *testing.T) {
	var buf bytes.Buffer
	inner := Multi(New(Config{Output: &buf}), New(Config{Output: &buf}))
	outer := Multi(inner)

	outer.Info("once per logger")
	assert.Equal(t, 2, strings.Count(buf.String(), "once per logger"))
}
