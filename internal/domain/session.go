// Package domain contains the core types of the marketing session coordinator.
package domain

import (
	"time"
)

// SchemaVersion tags every persisted session document.
const SchemaVersion = 2

// Status is the coarse lifecycle state of a session.
type Status string

const (
	StatusInitializing    Status = "initializing"
	StatusActive          Status = "active"
	StatusAnalyzing       Status = "analyzing"
	StatusChatting        Status = "chatting"
	StatusReadyForHandoff Status = "ready_for_handoff"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
	StatusExpired         Status = "expired"
)

// Closed reports whether the session accepts no further turns.
func (s Status) Closed() bool {
	return s == StatusCompleted || s == StatusExpired
}

// ProductStatus tracks processing of the uploaded asset.
type ProductStatus string

const (
	ProductUploaded  ProductStatus = "uploaded"
	ProductAnalyzing ProductStatus = "analyzing"
	ProductAnalyzed  ProductStatus = "analyzed"
	ProductFailed    ProductStatus = "failed"
)

// Session is the aggregate root of one user's multi-agent conversation.
type Session struct {
	SessionID    string       `json:"sessionId"`
	Status       Status       `json:"status"`
	CurrentAgent Agent        `json:"currentAgent"`
	User         UserContext  `json:"user"`
	Product      Product      `json:"product"`
	Conversation Conversation `json:"conversation"`
	Progress     Progress     `json:"progress"`
	Costs        Costs        `json:"costs"`
	Handoff      HandoffState `json:"handoff"`
	RateLimit    RateLimit    `json:"rateLimit"`
	Health       Health       `json:"health"`
	Metadata     Metadata     `json:"metadata"`
}

// UserContext describes the person driving the session.
type UserContext struct {
	ClientID     string            `json:"clientId,omitempty"`
	Locale       string            `json:"locale"`
	Preferences  map[string]string `json:"preferences,omitempty"`
	JoinedAt     time.Time         `json:"joinedAt"`
	LastActivity time.Time         `json:"lastActivity"`
}

// Product references the uploaded asset and its analysis.
type Product struct {
	AssetRef    string           `json:"assetRef,omitempty"`
	Description string           `json:"description,omitempty"`
	Status      ProductStatus    `json:"status"`
	Analysis    *ProductAnalysis `json:"analysis,omitempty"`
}

// ProductAnalysis is the structured result of the analysis agent.
type ProductAnalysis struct {
	Summary        string    `json:"summary"`
	Category       string    `json:"category,omitempty"`
	Features       []string  `json:"features,omitempty"`
	TargetAudience []string  `json:"targetAudience,omitempty"`
	Confidence     float64   `json:"confidence"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

// Conversation tracks topic completion and running insights.
type Conversation struct {
	Topics               map[Topic]TopicStatus `json:"topics"`
	CurrentTopic         Topic                 `json:"currentTopic,omitempty"`
	MessageCount         int                   `json:"messageCount"`
	LastMessageTimestamp time.Time             `json:"lastMessageTimestamp"`
	KeyInsights          []string              `json:"keyInsights"`
	Uncertainties        []string              `json:"uncertainties"`
}

// Progress is derived from the conversation; it is a hint, not authoritative.
type Progress struct {
	Step                 int      `json:"step"`
	TotalSteps           int      `json:"totalSteps"`
	CompletionPercentage float64  `json:"completionPercentage"`
	NextActions          []string `json:"nextActions,omitempty"`
}

// Costs is the per-session spend ledger.
type Costs struct {
	Current     float64            `json:"current"`
	Total       float64            `json:"total"`
	Breakdown   map[string]float64 `json:"breakdown"`
	Remaining   float64            `json:"remaining"`
	BudgetAlert bool               `json:"budgetAlert"`
}

// HandoffState is the session's view of the next agent transfer.
type HandoffState struct {
	ReadyForNext     bool          `json:"readyForNext"`
	NextAgent        Agent         `json:"nextAgent,omitempty"`
	ContextRef       string        `json:"contextRef,omitempty"`
	Status           HandoffStatus `json:"status"`
	ValidationErrors []string      `json:"validationErrors"`
	LastAttemptAt    time.Time     `json:"lastAttemptAt,omitempty"`
}

// RateLimit is a fixed-window request counter.
type RateLimit struct {
	Limit       int       `json:"limit"`
	Count       int       `json:"count"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"windowStart"`
	ResetAt     time.Time `json:"resetAt"`
}

// Health carries liveness signals for the session.
type Health struct {
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
	Requests         int       `json:"requests"`
	Failures         int       `json:"failures"`
	ErrorRate        float64   `json:"errorRate"`
	PerformanceScore float64   `json:"performanceScore"`
}

// Metadata holds store-assigned timestamps and versioning.
type Metadata struct {
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	SchemaVersion int       `json:"schemaVersion"`
	Version       int64     `json:"version"`
}

// NewSession builds an initial session with every topic pending and the
// whole budget available. Store-owned metadata is left zero.
func NewSession(id string, user UserContext, product Product, budgetTotal float64) *Session {
	topics := make(map[Topic]TopicStatus, len(topicOrder))
	for _, t := range topicOrder {
		topics[t] = TopicPending
	}
	if product.Status == "" {
		product.Status = ProductUploaded
	}
	return &Session{
		SessionID:    id,
		Status:       StatusInitializing,
		CurrentAgent: FirstAgent(),
		User:         user,
		Product:      product,
		Conversation: Conversation{
			Topics:        topics,
			KeyInsights:   []string{},
			Uncertainties: []string{},
		},
		Progress: Progress{TotalSteps: len(topicOrder)},
		Costs: Costs{
			Total:     budgetTotal,
			Remaining: budgetTotal,
			Breakdown: map[string]float64{},
		},
		Handoff: HandoffState{
			Status:           HandoffPending,
			ValidationErrors: []string{},
		},
		Health:   Health{PerformanceScore: 1},
		Metadata: Metadata{SchemaVersion: SchemaVersion},
	}
}

// HasAnalysis reports whether a product analysis is attached.
func (s *Session) HasAnalysis() bool {
	return s.Product.Analysis != nil
}

// TopicStatus returns the status of t, treating missing entries as pending.
func (s *Session) TopicStatus(t Topic) TopicStatus {
	if st, ok := s.Conversation.Topics[t]; ok && st != "" {
		return st
	}
	return TopicPending
}

// CompletedTopics counts topics in the Completed state.
func (s *Session) CompletedTopics() int {
	n := 0
	for _, t := range topicOrder {
		if s.TopicStatus(t) == TopicCompleted {
			n++
		}
	}
	return n
}

// CompletedRatio is completed topics over total topics.
func (s *Session) CompletedRatio() float64 {
	return float64(s.CompletedTopics()) / float64(len(topicOrder))
}

// ExpiredAt reports whether the session is past its TTL at now.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !s.Metadata.ExpiresAt.IsZero() && now.After(s.Metadata.ExpiresAt)
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	c := *s
	c.User.Preferences = cloneMap(s.User.Preferences)
	if s.Product.Analysis != nil {
		a := *s.Product.Analysis
		a.Features = append([]string(nil), s.Product.Analysis.Features...)
		a.TargetAudience = append([]string(nil), s.Product.Analysis.TargetAudience...)
		c.Product.Analysis = &a
	}
	c.Conversation.Topics = make(map[Topic]TopicStatus, len(s.Conversation.Topics))
	for k, v := range s.Conversation.Topics {
		c.Conversation.Topics[k] = v
	}
	c.Conversation.KeyInsights = append([]string{}, s.Conversation.KeyInsights...)
	c.Conversation.Uncertainties = append([]string{}, s.Conversation.Uncertainties...)
	c.Progress.NextActions = append([]string(nil), s.Progress.NextActions...)
	c.Costs.Breakdown = make(map[string]float64, len(s.Costs.Breakdown))
	for k, v := range s.Costs.Breakdown {
		c.Costs.Breakdown[k] = v
	}
	c.Handoff.ValidationErrors = append([]string{}, s.Handoff.ValidationErrors...)
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
