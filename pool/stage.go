package pool

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// Stage is a step of the slab lifecycle.
type Stage uint8

const (
	StageNone Stage = iota
	StageIdle
	StageReady
	StageActive
	StagePendingRelease
	StagePendingRebuffer
	StagePendingReset
	numStages
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageReady:
		return "ready"
	case StageActive:
		return "active"
	case StagePendingRelease:
		return "pending-release"
	case StagePendingRebuffer:
		return "pending-rebuffer"
	case StagePendingReset:
		return "pending-reset"
	default:
		return "none"
	}
}

// stageSet tracks stage membership by slab id. Not safe for concurrent use;
// the pool guards it with its mutex.
type stageSet struct {
	members [numStages]*roaring.Bitmap
}

func newStageSet() *stageSet {
	ss := &stageSet{}
	for i := range ss.members {
		ss.members[i] = roaring.New()
	}
	return ss
}

// stageOf returns the stage holding id, or StageNone.
func (ss *stageSet) stageOf(id uint32) Stage {
	for st := StageIdle; st < numStages; st++ {
		if ss.members[st].Contains(id) {
			return st
		}
	}
	return StageNone
}

// move transitions id from one stage to another. StageNone as from adds a new
// slab; StageNone as to forgets it.
func (ss *stageSet) move(id uint32, from, to Stage) error {
	if actual := ss.stageOf(id); actual != from {
		return &StageError{Slab: id, Expected: from, Actual: actual}
	}
	if from != StageNone {
		ss.members[from].Remove(id)
	}
	if to != StageNone {
		ss.members[to].Add(id)
	}
	return nil
}

// remove drops id from whatever stage holds it.
func (ss *stageSet) remove(id uint32) Stage {
	st := ss.stageOf(id)
	if st != StageNone {
		ss.members[st].Remove(id)
	}
	return st
}

func (ss *stageSet) count(st Stage) int {
	return int(ss.members[st].GetCardinality())
}

// ids returns the members of a stage in ascending order.
func (ss *stageSet) ids(st Stage) []uint32 {
	return ss.members[st].ToArray()
}

// first returns the lowest id in a stage.
func (ss *stageSet) first(st Stage) (uint32, bool) {
	if ss.members[st].IsEmpty() {
		return 0, false
	}
	return ss.members[st].Minimum(), true
}
