// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType represents a specific type of guided flow
type FlowType string

// StateType represents a specific state within a flow
type StateType string

// DataKey represents a key for storing state-specific data
type DataKey string

// Flow type constants.
const (
	FlowTypeTransfer FlowType = "transfer"
)

// Data key constants for slot-filling flows.
const (
	DataKeySlotValues  DataKey = "slotValues"  // JSON object of validated slot values
	DataKeySlotSources DataKey = "slotSources" // JSON object of slot -> seeded|answered
	DataKeyPendingSlot DataKey = "pendingSlot" // slot whose prompt is awaiting an answer
)
