package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageSet_Move(t *testing.T) {
	ss := newStageSet()

	require.NoError(t, ss.move(7, StageNone, StageIdle))
	require.NoError(t, ss.move(3, StageNone, StageIdle))
	assert.Equal(t, StageIdle, ss.stageOf(7))
	assert.Equal(t, 2, ss.count(StageIdle))
	assert.Equal(t, []uint32{3, 7}, ss.ids(StageIdle))

	first, ok := ss.first(StageIdle)
	require.True(t, ok)
	assert.Equal(t, uint32(3), first)

	require.NoError(t, ss.move(7, StageIdle, StageReady))
	assert.Equal(t, StageReady, ss.stageOf(7))
	assert.Equal(t, 1, ss.count(StageIdle))

	assert.Equal(t, StageReady, ss.remove(7))
	assert.Equal(t, StageNone, ss.stageOf(7))
}

func TestStageSet_Violation(t *testing.T) {
	ss := newStageSet()
	require.NoError(t, ss.move(1, StageNone, StageActive))

	err := ss.move(1, StageReady, StageActive)
	require.ErrorIs(t, err, ErrStageViolation)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint32(1), se.Slab)
	assert.Equal(t, StageReady, se.Expected)
	assert.Equal(t, StageActive, se.Actual)
	assert.Equal(t, "pool: slab 1 in stage active, expected ready", err.Error())

	assert.Error(t, ss.move(1, StageNone, StageIdle), "a slab is never in two stages")
	assert.Equal(t, StageActive, ss.stageOf(1))
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "pending-rebuffer", StagePendingRebuffer.String())
	assert.Equal(t, "none", StageNone.String())
}
