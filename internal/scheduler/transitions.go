package scheduler

import "loomctl/pkg/models"

// transitionMatrix is spec.md §4.4's status-transition table. It is checked
// (through checkTransition) when completing an ordinary or verify step, when
// failing or retrying a step, and when requesting approval; claims,
// approve/reject, the loop controller's story moves and the reaper's resets
// write step statuses without consulting it. Self-transitions are always
// allowed and are not listed explicitly.
var transitionMatrix = map[models.StepStatus]map[models.StepStatus]bool{
	models.StepStatusWaiting: {
		models.StepStatusPending:          true,
		models.StepStatusRunning:          true,
		models.StepStatusAwaitingApproval: true,
	},
	models.StepStatusPending: {
		models.StepStatusRunning:          true,
		models.StepStatusAwaitingApproval: true,
	},
	models.StepStatusRunning: {
		models.StepStatusPending:          true, // retry
		models.StepStatusWaiting:          true, // retry
		models.StepStatusAwaitingApproval: true,
		models.StepStatusCompleted:        true,
		models.StepStatusFailed:           true,
	},
	models.StepStatusAwaitingApproval: {
		models.StepStatusRunning:   true,
		models.StepStatusCompleted: true,
		models.StepStatusFailed:    true,
	},
	models.StepStatusCompleted: {},
	models.StepStatusFailed:    {},
}

// checkTransition reports whether the from->to step status change is
// allowed, per the transition matrix. Self-transitions are always no-ops.
func checkTransition(from, to models.StepStatus) bool {
	if from == to {
		return true
	}
	return transitionMatrix[from][to]
}
