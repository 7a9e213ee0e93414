// Package models defines state management structures for SlotPipe flows.
package models

import "time"

// FlowState is the persisted state of one conversation in one flow.
type FlowState struct {
	ParticipantID string             `json:"participant_id"` // conversation identity
	FlowType      FlowType           `json:"flow_type"`
	CurrentState  StateType          `json:"current_state"`
	StateData     map[DataKey]string `json:"state_data,omitempty"` // Additional state-specific data
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}
