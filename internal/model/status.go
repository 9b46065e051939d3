package model

import "fmt"

// pending -> completed is only taken when a stage is restored from a previous
// run's artifacts.
var allowedStageTransitions = map[StageStatus]map[StageStatus]bool{
	StagePending: {
		StageRunning:   true,
		StageCompleted: true,
		StageFailed:    true,
	},
	StageRunning: {
		StageCompleted: true,
		StageFailed:    true,
	},
	StageCompleted: {},
	StageFailed:    {},
}

func IsKnownStageStatus(status StageStatus) bool {
	_, ok := allowedStageTransitions[status]
	return ok
}

func CanTransitionStage(from, to StageStatus) bool {
	next, ok := allowedStageTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionStage(result *StageResult, to StageStatus) error {
	if !CanTransitionStage(result.Status, to) {
		return fmt.Errorf("invalid stage status transition: %q -> %q (stage=%s)", result.Status, to, result.Stage)
	}
	result.Status = to
	return nil
}
