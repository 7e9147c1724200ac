package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategy_Modes(t *testing.T) {
	s := NewStrategy(Policy{Mode: ModeAuto})
	s.Configure("off", Policy{Mode: ModeNone})
	s.Configure("by-hand", Policy{Mode: ModeManual})
	s.Configure("final", Policy{Mode: ModeOnComplete, TerminalNodes: []string{"respond"}})

	assert.True(t, s.ShouldCheckpoint("anything", "t1", "plan", 0), "default policy is auto")
	assert.False(t, s.ShouldCheckpoint("off", "t1", "respond", time.Hour))

	assert.False(t, s.ShouldCheckpoint("by-hand", "t1", "plan", 0))
	s.Request("by-hand")
	assert.True(t, s.ShouldCheckpoint("by-hand", "t1", "plan", 0))
	assert.False(t, s.ShouldCheckpoint("by-hand", "t1", "plan", 0), "request is consumed")

	assert.False(t, s.ShouldCheckpoint("final", "t1", "execute", 0))
	assert.True(t, s.ShouldCheckpoint("final", "t1", "respond", 0))
}

func TestStrategy_Periodic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStrategy(Policy{Mode: ModeAuto})
	s.now = func() time.Time { return now }
	s.Configure("tick", Policy{Mode: ModePeriodic, Interval: time.Minute})

	assert.False(t, s.ShouldCheckpoint("tick", "t1", "plan", 10*time.Second), "caller says last write was recent")
	assert.True(t, s.ShouldCheckpoint("tick", "t1", "plan", 0), "never written")

	now = now.Add(30 * time.Second)
	assert.False(t, s.ShouldCheckpoint("tick", "t1", "execute", time.Hour), "recorded time wins over caller hint")

	now = now.Add(31 * time.Second)
	assert.True(t, s.ShouldCheckpoint("tick", "t1", "execute", 0))
	assert.False(t, s.ShouldCheckpoint("tick", "t1", "respond", 0))
}

func TestStrategy_PeriodicPerThread(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStrategy(Policy{Mode: ModePeriodic, Interval: time.Minute})
	s.now = func() time.Time { return now }

	assert.True(t, s.ShouldCheckpoint("pipeline", "s1:pipeline", "plan", 0))
	assert.True(t, s.ShouldCheckpoint("pipeline", "s2:pipeline", "plan", 0),
		"a snapshot of one session does not delay another")
	assert.False(t, s.ShouldCheckpoint("pipeline", "s1:pipeline", "execute", time.Hour))

	now = now.Add(time.Minute)
	assert.True(t, s.ShouldCheckpoint("pipeline", "s1:pipeline", "execute", 0))
	assert.False(t, s.ShouldCheckpoint("pipeline", "s3:pipeline", "plan", 5*time.Second),
		"a fresh thread uses its own elapsed time")
}

func TestStrategy_ResolveThreadID(t *testing.T) {
	s := NewStrategy(Policy{Mode: ModeAuto})
	s.Configure("ephemeral", Policy{Mode: ModeNone})

	assert.Equal(t, StatelessThreadID, s.ResolveThreadID("s1", "ephemeral"))
	assert.Equal(t, StatelessThreadID, s.ResolveThreadID("s2", "ephemeral"))
	assert.Equal(t, "s1:pipeline", s.ResolveThreadID("s1", "pipeline"))
	assert.NotEqual(t, s.ResolveThreadID("s1", "a"), s.ResolveThreadID("s1", "b"))
	assert.Equal(t, "s1", s.ResolveThreadID("s1", ""))
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeNone, ModeManual, ModeAuto, ModePeriodic, ModeOnComplete} {
		got, err := ParseMode(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("sometimes")
	assert.Error(t, err)
}
