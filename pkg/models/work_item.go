package models

import "time"

// WorkReason says why a run was enqueued.
type WorkReason string

const (
	WorkReasonStart     WorkReason = "start"
	WorkReasonTimer     WorkReason = "timer"
	WorkReasonAdmission WorkReason = "admission"
	WorkReasonResume    WorkReason = "resume"
)

// WorkItem is a run-ready message pulled by stateless workers.
type WorkItem struct {
	RunID      string     `json:"run_id"`
	Reason     WorkReason `json:"reason"`
	TimerID    string     `json:"timer_id,omitempty"`
	TimerKind  TimerKind  `json:"timer_kind,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}
