package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/layerflow/agent/reasoner"
	"github.com/BaSui01/layerflow/config"
	"github.com/BaSui01/layerflow/session"
	"github.com/BaSui01/layerflow/workflow/checkpoint"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layerflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestApp_RunsOfflinePipeline(t *testing.T) {
	path := writeConfig(t, `
log:
  level: error
  format: console
store:
  target: "memory://"
  session_target: "memory://"
engine:
  max_workers: 2
`)
	ctx := context.Background()
	a, err := newApp(ctx, commonFlags{configPath: path, events: true})
	require.NoError(t, err)
	defer a.close()

	thread, err := a.manager.CreateSession(ctx, "alice")
	require.NoError(t, err)
	out, err := a.manager.Submit(ctx, thread, "explain tides", session.SubmitOptions{})
	require.NoError(t, err)

	assert.False(t, out.Suspended)
	assert.Equal(t, 2, out.Record.CompletedCount)
	assert.Contains(t, out.Record.FinalResponse, `Answer to "explain tides".`)

	_, status, err := a.manager.GetState(ctx, thread)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, status)

	list, err := a.manager.ListSessions(ctx, session.Filter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "explain tides", list[0].Title)
	assert.Equal(t, 4, a.engine.Registry().Len())
}

func TestApp_UnreachableStoreFails(t *testing.T) {
	path := writeConfig(t, `
log:
  level: error
store:
  target: "ftp://nowhere"
`)
	_, err := newApp(context.Background(), commonFlags{configPath: path})
	assert.Error(t, err)
}

func TestNewStrategy(t *testing.T) {
	s, err := newStrategy(config.CheckpointConfig{
		DefaultMode: "auto",
		Interval:    time.Minute,
		Units: map[string]config.UnitCheckpointConfig{
			"scratch": {Mode: "none"},
			"report":  {TerminalNodes: []string{"respond"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ModeAuto, s.Policy("workflow").Mode)
	assert.Equal(t, checkpoint.ModeNone, s.Policy("scratch").Mode)
	assert.False(t, s.Persistent("scratch"))
	assert.Equal(t, time.Minute, s.Policy("report").Interval)
	assert.Equal(t, []string{"respond"}, s.Policy("report").TerminalNodes)

	_, err = newStrategy(config.CheckpointConfig{DefaultMode: "sometimes"})
	assert.Error(t, err)
}

func TestNewReasoner(t *testing.T) {
	r, err := newReasoner(config.ReasonerConfig{Provider: "scripted"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &reasoner.Scripted{}, r)

	r, err = newReasoner(config.ReasonerConfig{Provider: "scripted", RateLimitRPS: 5, Burst: 1}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &reasoner.RateLimited{}, r)

	r, err = newReasoner(config.ReasonerConfig{Provider: "scripted", Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	res, err := r.Reason(context.Background(), reasoner.Request{Kind: reasoner.KindExecute, Description: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x: done", res.Value("result"))
}

func TestPoolConfig(t *testing.T) {
	p := poolConfig(config.DatabaseConfig{MaxOpenConns: 7, MaxIdleConns: 2, HealthCheckInterval: time.Minute})
	assert.Equal(t, 7, p.MaxOpenConns)
	assert.Equal(t, 2, p.MaxIdleConns)
	assert.Equal(t, time.Minute, p.HealthCheckInterval)
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "debug", Format: "json", OutputPaths: []string{"stderr"}})
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger = initLogger(config.LogConfig{Level: "warn", Format: "console"})
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
}
