package domain

import "time"

// HandoffStatus is the state of one handoff attempt.
type HandoffStatus string

const (
	HandoffPending    HandoffStatus = "pending"
	HandoffInProgress HandoffStatus = "in_progress"
	HandoffCompleted  HandoffStatus = "completed"
	HandoffFailed     HandoffStatus = "failed"
)

// ValidationResult is the structured outcome of a pre-handoff check.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// HandoffAuditRecord is the immutable record of one transition attempt.
type HandoffAuditRecord struct {
	ID                string           `json:"id"`
	SessionID         string           `json:"sessionId"`
	FromAgent         Agent            `json:"fromAgent"`
	ToAgent           Agent            `json:"toAgent"`
	Timestamp         time.Time        `json:"timestamp"`
	SerializedData    []byte           `json:"serializedData"`
	ValidationResults ValidationResult `json:"validationResults"`
	Status            HandoffStatus    `json:"status"`
	Metadata          HandoffMetadata  `json:"metadata"`
}

// HandoffMetadata summarises the transferred payload.
type HandoffMetadata struct {
	DataSize       int     `json:"dataSize"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
	Confidence     float64 `json:"confidence"`
	Trigger        string  `json:"trigger,omitempty"`
}
