package units

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/layerflow/agent/reasoner"
	"github.com/BaSui01/layerflow/agent/registry"
)

func TestRegister(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), nil)
	require.NoError(t, Register(reg, &reasoner.Scripted{}))

	assert.Equal(t, 4, reg.Len())
	assert.Empty(t, reg.ValidateAllDependencies())

	id, ok := reg.SelectBest(CapResearch, registry.SelectionContext{})
	require.True(t, ok)
	assert.Equal(t, "researcher", id)

	id, ok = reg.SelectBest(CapAnalyze, registry.SelectionContext{})
	require.True(t, ok)
	assert.Equal(t, "analyst", id)

	assert.ErrorIs(t, Register(reg, &reasoner.Scripted{}), registry.ErrDuplicateUnit)
}

func TestExecutorAddsUnitContext(t *testing.T) {
	var seen reasoner.Request
	next := reasoner.Func(func(ctx context.Context, req reasoner.Request) (reasoner.Result, error) {
		seen = req
		return reasoner.Result{Text: "ok"}, nil
	})

	units := Builtin(next)
	require.NotEmpty(t, units)
	writer := units[2]
	require.Equal(t, "writer", writer.ID)

	original := map[string]any{"k": "v"}
	_, err := writer.Executor.Reason(context.Background(), reasoner.Request{
		Kind:    reasoner.KindExecute,
		Context: original,
	})
	require.NoError(t, err)
	assert.Equal(t, "writer", seen.UnitID)
	assert.Equal(t, "v", seen.Context["k"])
	assert.NotEmpty(t, seen.Context["unit_instructions"])
	assert.NotContains(t, original, "unit_instructions")
}
