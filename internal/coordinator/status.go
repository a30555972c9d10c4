package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
)

// SessionStatusResponse is the summary the UI polls.
type SessionStatusResponse struct {
	SessionID    string                              `json:"sessionId"`
	Status       domain.Status                       `json:"status"`
	CurrentAgent domain.Agent                        `json:"currentAgent"`
	AgentName    string                              `json:"agentName"`
	Topics       map[domain.Topic]domain.TopicStatus `json:"topics"`
	Progress     domain.Progress                     `json:"progress"`
	Costs        domain.Costs                        `json:"costs"`
	Handoff      domain.HandoffState                 `json:"handoff"`
	RateLimit    domain.RateLimit                    `json:"rateLimit"`
	Health       domain.Health                       `json:"health"`
	HasAnalysis  bool                                `json:"hasAnalysis"`
	ExpiresAt    time.Time                           `json:"expiresAt"`
}

// Status returns the session summary.
func (c *Coordinator) Status(ctx context.Context, sessionID string) (*SessionStatusResponse, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionStatusResponse{
		SessionID:    s.SessionID,
		Status:       s.Status,
		CurrentAgent: s.CurrentAgent,
		AgentName:    s.CurrentAgent.DisplayName(),
		Topics:       s.Conversation.Topics,
		Progress:     s.Progress,
		Costs:        s.Costs,
		Handoff:      s.Handoff,
		RateLimit:    s.RateLimit,
		Health:       s.Health,
		HasAnalysis:  s.HasAnalysis(),
		ExpiresAt:    s.Metadata.ExpiresAt,
	}, nil
}

// load reads a session and repairs a current agent that no completed
// handoff record accounts for.
func (c *Coordinator) load(ctx context.Context, sessionID string) (*domain.Session, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	s, err := c.repo.Get(sctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.reconcile(ctx, s)
}

func (c *Coordinator) reconcile(ctx context.Context, s *domain.Session) (*domain.Session, error) {
	if s.CurrentAgent == domain.FirstAgent() {
		return s, nil
	}

	sctx, cancel := c.storeCtx(ctx)
	records, err := c.repo.ListHandoffs(sctx, s.SessionID)
	cancel()
	if err != nil {
		return nil, err
	}

	want := domain.FirstAgent()
	for _, r := range records {
		if r.Status != domain.HandoffCompleted {
			continue
		}
		if r.ToAgent == s.CurrentAgent {
			return s, nil
		}
		want = r.ToAgent
	}

	c.logger.Warn("current agent has no completed handoff, repairing",
		"session_id", s.SessionID, "agent", s.CurrentAgent, "restored", want)
	repaired, err := c.update(ctx, s, func(next *domain.Session) error {
		next.CurrentAgent = want
		c.refreshReadiness(next)
		if next.Status == domain.StatusReadyForHandoff || next.Status == domain.StatusChatting {
			next.Status = turnStatus(next)
		}
		return nil
	})
	if errors.Is(err, domain.ErrConcurrentModification) {
		// Someone else wrote first; serve their version as-is.
		sctx, cancel := c.storeCtx(ctx)
		defer cancel()
		return c.repo.Get(sctx, s.SessionID)
	}
	if err != nil {
		return nil, err
	}
	return repaired, nil
}
