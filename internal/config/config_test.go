package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulksend/internal/dispatch"
)

const sampleYAML = `
session:
  name: vendas
client:
  driver: httpgw
  base_url: http://127.0.0.1:3000
limits:
  daily: 500
  hourly: 40
dispatch:
  batch_size: 25
  batch_pause: 2m
  delay:
    mode: fixed
    interval: 90s
messages:
  campaign: spring
  link: https://example.com
  variants:
    - name: hello
      text: "Olá {{.FirstName}}"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLThenEnvOverrides(t *testing.T) {
	path := writeFile(t, "bulksend.yaml", sampleYAML)
	t.Setenv("HOURLY_LIMIT", "30")
	t.Setenv("PAUSE_DURATION", "60000")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "vendas", cfg.Session.Name)
	assert.Equal(t, 500, cfg.Limits.Daily)
	assert.Equal(t, 30, cfg.Limits.Hourly)
	// untouched keys keep their defaults
	assert.Equal(t, "30s", cfg.Dispatch.ErrorDelay)
	assert.Equal(t, "sqlite", cfg.Storage.Ledger.Driver)

	s, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.Dispatch.BatchPause)
	assert.Equal(t, 25, s.Dispatch.BatchSize)
	assert.Equal(t, "spring", s.Dispatch.CampaignTag)
	assert.Equal(t, dispatch.Fixed(90*time.Second), s.Delay.Provider())
	assert.Equal(t, 5*time.Second, s.StartDelay)
	assert.Equal(t, "55", s.Input.CountryPrefix)
	assert.Equal(t, "ddd1", s.Input.Columns.Area1)
	require.Len(t, s.Templates.Variants, 1)
	assert.Equal(t, "hello", s.Templates.Variants[0].Name)
}

func TestLoadEnvFile(t *testing.T) {
	envPath := writeFile(t, "test.env", "SESSION_NAME=from-env\nCLIENT_DRIVER=dryrun\n")
	t.Setenv("SESSION_NAME", "")
	os.Unsetenv("SESSION_NAME")
	os.Unsetenv("CLIENT_DRIVER")
	t.Cleanup(func() {
		os.Unsetenv("SESSION_NAME")
		os.Unsetenv("CLIENT_DRIVER")
	})

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Session.Name)
	assert.Equal(t, "dryrun", cfg.Client.Driver)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestParseRejectsUnknownKeysAndTrailingData(t *testing.T) {
	_, err := Load(writeFile(t, "c.json", `{"limits":{"daily":10,"weekly":3}}`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weekly")

	_, err = Load(writeFile(t, "c.json", `{"limits":{"daily":10}} {}`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestResolveReportsEveryInvalidField(t *testing.T) {
	cfg := Defaults()
	cfg.Limits = LimitsConfig{Daily: 10, Hourly: 20}
	cfg.Dispatch.BatchSize = 0
	cfg.Dispatch.Delay.MinSeconds = 40
	cfg.Dispatch.Delay.MaxSeconds = 30
	cfg.Dispatch.ErrorDelay = "soon"
	cfg.Retention.Schedule = "every tuesday"

	_, err := Resolve(&cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, field := range []string{
		"session.name",
		"client.base_url",
		"limits.hourly",
		"dispatch.batch_size",
		"dispatch.delay.max_seconds",
		"dispatch.error_delay",
		"messages.variants",
		"retention.schedule",
	} {
		assert.True(t, strings.Contains(msg, field), "missing %s in %q", field, msg)
	}
}

func TestResolveFixedIntervalMinimum(t *testing.T) {
	cfg := Defaults()
	cfg.Client.Driver = "dryrun"
	cfg.Messages.Variants = []VariantConfig{{Name: "a", Text: "x"}}
	cfg.Dispatch.Delay.Mode = "fixed"
	cfg.Dispatch.Delay.Interval = "500ms"

	_, err := Resolve(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.delay.interval")

	cfg.Dispatch.Delay.Interval = "1s"
	s, err := Resolve(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "dryrun", s.SessionName)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", "1500")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = ParseDurationField("x", " 2m ")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = ParseDurationField("x", "-5s")
	assert.Error(t, err)

	d, err = ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestConfigFormatDetection(t *testing.T) {
	assert.True(t, isYAML("bulksend.yml", []byte(`{"a":1}`)))
	assert.False(t, isYAML("bulksend.json", []byte("a: 1")))
	assert.True(t, isYAML("bulksend", []byte("\n  quota:\n    hourly_limit: 10\n")))
	assert.False(t, isYAML("bulksend", []byte(`  {"quota":{}}`)))

	out, err := yamlToJSON([]byte(""))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))

	out, err = yamlToJSON([]byte("labels:\n  1: one\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"labels":{"1":"one"}}`, string(out))
}

func TestResolveRandomDelayNeedsWholeSeconds(t *testing.T) {
	cfg := Defaults()
	cfg.Client.Driver = "dryrun"
	cfg.Messages.Variants = []VariantConfig{{Name: "a", Text: "x"}}
	cfg.Dispatch.Delay.Mode = "random"
	cfg.Dispatch.Delay.MinSeconds = 0
	cfg.Dispatch.Delay.MaxSeconds = 5

	_, err := Resolve(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.delay.min_seconds")

	cfg.Dispatch.Delay.MinSeconds = 1
	_, err = Resolve(&cfg)
	require.NoError(t, err)
}

func TestResolveCountryPrefixLength(t *testing.T) {
	for _, prefix := range []string{"1", "351", "5a"} {
		cfg := Defaults()
		cfg.Client.Driver = "dryrun"
		cfg.Messages.Variants = []VariantConfig{{Name: "a", Text: "x"}}
		cfg.Input.CountryPrefix = prefix

		_, err := Resolve(&cfg)
		require.Error(t, err, prefix)
		assert.Contains(t, err.Error(), "input.country_prefix")
	}

	cfg := Defaults()
	cfg.Client.Driver = "dryrun"
	cfg.Messages.Variants = []VariantConfig{{Name: "a", Text: "x"}}
	cfg.Input.CountryPrefix = "44"
	s, err := Resolve(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "44", s.Input.CountryPrefix)
}
