package models

import (
	"maps"
	"slices"
	"time"
)

// AdmissionHold is a concurrency slot held or reserved by one step of a run.
type AdmissionHold struct {
	RunID string    `json:"run_id"`
	Until time.Time `json:"until"`
}

// AdmissionWaiter is a step queued for a concurrency slot.
type AdmissionWaiter struct {
	Key   string    `json:"key"`
	RunID string    `json:"run_id"`
	Since time.Time `json:"since"`
}

// AdmissionState is the shared gate state of one function. Every worker reads and
// compare-and-swaps the same record, so limits hold across the fleet.
type AdmissionState struct {
	FunctionID string `json:"function_id"`
	Version    int64  `json:"version"`

	// Limit is the concurrency capacity last requested for the function.
	Limit    int                      `json:"limit,omitempty"`
	Holders  map[string]AdmissionHold `json:"holders,omitempty"`
	Reserved map[string]AdmissionHold `json:"reserved,omitempty"`
	Queue    []AdmissionWaiter        `json:"queue,omitempty"`

	// Starts are admitted and reserved throttle starts in non-decreasing order.
	Starts    []time.Time          `json:"starts,omitempty"`
	Scheduled map[string]time.Time `json:"scheduled,omitempty"`
	Passes    map[string]time.Time `json:"passes,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewAdmissionState returns the empty, never stored state of a function.
func NewAdmissionState(functionID string) *AdmissionState {
	s := &AdmissionState{FunctionID: functionID}
	s.Init()

	return s
}

// Init allocates the maps a decoded record may lack.
func (s *AdmissionState) Init() {
	if s.Holders == nil {
		s.Holders = make(map[string]AdmissionHold)
	}

	if s.Reserved == nil {
		s.Reserved = make(map[string]AdmissionHold)
	}

	if s.Scheduled == nil {
		s.Scheduled = make(map[string]time.Time)
	}

	if s.Passes == nil {
		s.Passes = make(map[string]time.Time)
	}
}

func (s *AdmissionState) Clone() *AdmissionState {
	c := *s
	c.Holders = maps.Clone(s.Holders)
	c.Reserved = maps.Clone(s.Reserved)
	c.Queue = slices.Clone(s.Queue)
	c.Starts = slices.Clone(s.Starts)
	c.Scheduled = maps.Clone(s.Scheduled)
	c.Passes = maps.Clone(s.Passes)
	c.Init()

	return &c
}
