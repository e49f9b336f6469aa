package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "dispatch"))

	log.Debug("hidden")
	log.Info("message sent", Int("batch", 2), Percent("pct", 1, 8), Duration("next_in", 15*time.Second), Err(nil))
	log.Warn("send failed", Err(errors.New("timeout")))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "dispatch", lines[0]["comp"])
	assert.Equal(t, "message sent", lines[0]["message"])
	assert.EqualValues(t, 2, lines[0]["batch"])
	assert.Equal(t, "12.5", lines[0]["pct"])
	assert.NotContains(t, lines[0], "err")
	assert.Equal(t, "timeout", lines[1]["err"])
	assert.Contains(t, lines[1]["caller"], "logx_test.go:")
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("dropped")

	assert.False(t, Nop().IsZero())
	assert.False(t, Nop().Enabled(LevelError))
	assert.Equal(t, "0.0", func() string {
		var buf bytes.Buffer
		NewWriter(&buf, "info").Info("x", Percent("pct", 3, 0))
		return decodeLines(t, &buf)[0]["pct"].(string)
	}())
}

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) SendText(_ context.Context, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestOperatorSinkForwardsWarnings(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level:    "debug",
		Console:  false,
		Operator: OperatorConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("batch started")
	log.Warn("quota exhausted", String("window", "hourly"))

	require.Eventually(t, func() bool { return len(sender.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := sender.got()[0]
	assert.True(t, strings.HasPrefix(msg, "[WARN] quota exhausted"), msg)
	assert.Contains(t, msg, "window=hourly")
}

func TestFormatOperatorLineTruncates(t *testing.T) {
	line := `{"level":"error","message":"` + strings.Repeat("x", 5000) + `"}`
	out := formatOperatorLine([]byte(line))
	assert.Len(t, out, 3500)
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.Equal(t, "plain text", formatOperatorLine([]byte("plain text\n")))
}
