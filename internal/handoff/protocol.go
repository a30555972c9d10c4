package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
	"github.com/ashureev/adstudio/internal/store"
	"github.com/google/uuid"
)

// Handoff triggers recorded in audit metadata.
const (
	TriggerAuto    = "auto"
	TriggerRequest = "request"
)

// recentMessageLimit bounds how much chat history travels with a handoff.
const recentMessageLimit = 20

// Payload is the portable context handed to the next agent.
type Payload struct {
	SessionID      string                              `json:"sessionId"`
	FromAgent      domain.Agent                        `json:"fromAgent"`
	ToAgent        domain.Agent                        `json:"toAgent"`
	Locale         string                              `json:"locale"`
	Analysis       *domain.ProductAnalysis             `json:"analysis,omitempty"`
	Topics         map[domain.Topic]domain.TopicStatus `json:"topics"`
	KeyInsights    []string                            `json:"keyInsights"`
	Uncertainties  []string                            `json:"uncertainties"`
	RemainingUSD   float64                             `json:"remainingUsd"`
	RecentMessages []PayloadMessage                    `json:"recentMessages"`
}

// PayloadMessage is a trimmed chat message inside a Payload.
type PayloadMessage struct {
	Type      domain.MessageType `json:"type"`
	AgentName string             `json:"agentName,omitempty"`
	Content   string             `json:"content"`
}

// DecodePayload parses the serialized data of an audit record.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode handoff payload: %v: %w", err, domain.ErrSerialization)
	}
	return &p, nil
}

// Result is the outcome of one handoff attempt.
type Result struct {
	Record  *domain.HandoffAuditRecord `json:"record"`
	Session *domain.Session            `json:"session"`
}

// Protocol moves a session from its current agent to the next one.
type Protocol struct {
	repo      store.Repository
	evaluator *Evaluator
	now       func() time.Time
	logger    *slog.Logger
}

// NewProtocol creates a handoff protocol. now stamps attempt times and
// defaults to the UTC wall clock. A nil logger uses slog.Default().
func NewProtocol(repo store.Repository, evaluator *Evaluator, now func() time.Time, logger *slog.Logger) *Protocol {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{repo: repo, evaluator: evaluator, now: now, logger: logger}
}

// Execute runs one attempt against s, which must be the latest read of the
// session. The audit record and the session change commit together.
//
// A failed validation writes a Failed record, leaves currentAgent unchanged
// and returns the result with a *domain.ValidationError. A passed validation
// writes a Completed record and moves currentAgent to the next agent.
func (p *Protocol) Execute(ctx context.Context, s *domain.Session, trigger string) (*Result, error) {
	if s.Status.Closed() {
		return nil, domain.ErrSessionClosed
	}
	target, ok := s.CurrentAgent.Next()
	if !ok {
		return nil, fmt.Errorf("%s is the final agent: %w", s.CurrentAgent, domain.ErrHandoffFailed)
	}

	start := time.Now()
	record := &domain.HandoffAuditRecord{
		ID:        uuid.NewString(),
		SessionID: s.SessionID,
		FromAgent: s.CurrentAgent,
		ToAgent:   target,
		Status:    domain.HandoffInProgress,
	}

	data, err := p.serialize(ctx, s, target)
	if err != nil {
		return nil, err
	}
	record.SerializedData = data

	validation := p.evaluator.Validate(s)
	record.ValidationResults = validation
	record.Metadata = domain.HandoffMetadata{
		DataSize: len(data),
		Trigger:  trigger,
	}
	if s.Product.Analysis != nil {
		record.Metadata.Confidence = s.Product.Analysis.Confidence
	}

	if validation.IsValid {
		record.Status = domain.HandoffCompleted
	} else {
		record.Status = domain.HandoffFailed
	}
	record.Metadata.ProcessingTime = time.Since(start).Milliseconds()

	updated, err := p.repo.CommitHandoff(ctx, record, s.Metadata.Version, func(next *domain.Session) error {
		next.Handoff.LastAttemptAt = p.now()
		if !validation.IsValid {
			next.Handoff.Status = domain.HandoffFailed
			next.Handoff.ValidationErrors = append([]string{}, validation.Errors...)
			next.Handoff.ReadyForNext = p.evaluator.IsReady(next)
			return nil
		}
		next.CurrentAgent = target
		next.Status = domain.StatusChatting
		next.Handoff.Status = domain.HandoffCompleted
		next.Handoff.ContextRef = record.ID
		next.Handoff.ValidationErrors = []string{}
		next.Handoff.ReadyForNext = p.evaluator.IsReady(next)
		if after, ok := target.Next(); ok {
			next.Handoff.NextAgent = after
		} else {
			next.Handoff.NextAgent = ""
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit handoff: %w", err)
	}

	res := &Result{Record: record, Session: updated}
	if !validation.IsValid {
		p.logger.Warn("handoff validation failed",
			"session_id", s.SessionID, "from", record.FromAgent, "to", record.ToAgent,
			"trigger", trigger, "errors", validation.Errors)
		return res, &domain.ValidationError{Errors: validation.Errors, Warnings: validation.Warnings}
	}

	p.logger.Info("handoff completed",
		"session_id", s.SessionID, "from", record.FromAgent, "to", record.ToAgent,
		"trigger", trigger, "data_size", record.Metadata.DataSize, "warnings", len(validation.Warnings))
	return res, nil
}

func (p *Protocol) serialize(ctx context.Context, s *domain.Session, target domain.Agent) ([]byte, error) {
	msgs, err := p.repo.ListMessages(ctx, s.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load handoff history: %w", err)
	}
	if len(msgs) > recentMessageLimit {
		msgs = msgs[len(msgs)-recentMessageLimit:]
	}

	payload := Payload{
		SessionID:      s.SessionID,
		FromAgent:      s.CurrentAgent,
		ToAgent:        target,
		Locale:         s.User.Locale,
		Analysis:       s.Product.Analysis,
		Topics:         s.Conversation.Topics,
		KeyInsights:    s.Conversation.KeyInsights,
		Uncertainties:  s.Conversation.Uncertainties,
		RemainingUSD:   s.Costs.Remaining,
		RecentMessages: make([]PayloadMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		payload.RecentMessages = append(payload.RecentMessages, PayloadMessage{
			Type:      m.Type,
			AgentName: m.AgentName,
			Content:   m.Content,
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode handoff payload: %v: %w", err, domain.ErrSerialization)
	}
	return data, nil
}
