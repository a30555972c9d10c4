// Package coordinator composes the store, budget guard, topic tracker and
// handoff protocol into the operations a client drives turn by turn.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/adstudio/internal/budget"
	"github.com/ashureev/adstudio/internal/domain"
	"github.com/ashureev/adstudio/internal/generation"
	"github.com/ashureev/adstudio/internal/handoff"
	"github.com/ashureev/adstudio/internal/ratelimit"
	"github.com/ashureev/adstudio/internal/store"
	"github.com/ashureev/adstudio/internal/topic"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// Cost categories in the session ledger.
const (
	CategoryAnalysis = "analysis"
	CategoryChat     = "chat"
)

var (
	// ErrEmptyTurn rejects a turn with no content.
	ErrEmptyTurn = fmt.Errorf("turn content is empty: %w", errdefs.ErrInvalidArgument)
	// ErrNotFinalAgent rejects completion before the last agent.
	ErrNotFinalAgent = fmt.Errorf("session can only complete from the final agent: %w", errdefs.ErrFailedPrecondition)
)

// Config holds coordinator tunables.
type Config struct {
	BudgetTotal       float64
	AutoHandoff       bool
	RateLimit         ratelimit.Policy
	MaxOutputTokens   int
	GenerationTimeout time.Duration
	StoreTimeout      time.Duration
	// HistoryLimit caps the chat messages sent as context.
	HistoryLimit int
	// InsightLimit caps the stored key insights and uncertainties.
	InsightLimit int
	DefaultLocale string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BudgetTotal:       300,
		AutoHandoff:       true,
		RateLimit:         ratelimit.Policy{Limit: 30, Window: time.Minute},
		MaxOutputTokens:   1024,
		GenerationTimeout: 30 * time.Second,
		StoreTimeout:      5 * time.Second,
		HistoryLimit:      12,
		InsightLimit:      20,
		DefaultLocale:     "en-US",
	}
}

// Deps are the collaborators injected into a Coordinator.
type Deps struct {
	Repo      store.Repository
	Backend   generation.Backend
	Pricing   generation.Pricing
	Guard     *budget.Guard
	Tracker   *topic.Tracker
	Evaluator *handoff.Evaluator
	Logger    *slog.Logger
	// Clock stamps session writes; nil uses the UTC wall clock.
	Clock     func() time.Time
}

// Coordinator is the session façade.
type Coordinator struct {
	repo      store.Repository
	backend   generation.Backend
	pricing   generation.Pricing
	guard     *budget.Guard
	tracker   *topic.Tracker
	evaluator *handoff.Evaluator
	protocol  *handoff.Protocol
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a coordinator. Repo and Backend are required; the remaining
// collaborators fall back to defaults.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Repo == nil {
		return nil, errors.New("coordinator: repository is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("coordinator: generation backend is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Guard == nil {
		deps.Guard = budget.NewGuard(0.75, logger)
	}
	if deps.Tracker == nil {
		deps.Tracker = topic.NewTracker(nil)
	}
	if deps.Evaluator == nil {
		deps.Evaluator = handoff.NewEvaluator(handoff.DefaultThresholds())
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if cfg.InsightLimit <= 0 {
		cfg.InsightLimit = DefaultConfig().InsightLimit
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = DefaultConfig().DefaultLocale
	}
	return &Coordinator{
		repo:      deps.Repo,
		backend:   deps.Backend,
		pricing:   deps.Pricing,
		guard:     deps.Guard,
		tracker:   deps.Tracker,
		evaluator: deps.Evaluator,
		protocol:  handoff.NewProtocol(deps.Repo, deps.Evaluator, now, logger),
		cfg:       cfg,
		logger:    logger,
		now:       now,
	}, nil
}

// StartRequest describes a new session.
type StartRequest struct {
	SessionID   string            `json:"sessionId,omitempty"`
	ClientID    string            `json:"-"`
	Locale      string            `json:"locale,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
	AssetRef    string            `json:"assetRef,omitempty"`
	Description string            `json:"description,omitempty"`
}

// StartSession creates a session owned by the first agent.
func (c *Coordinator) StartSession(ctx context.Context, req StartRequest) (*domain.Session, error) {
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	locale := req.Locale
	if locale == "" {
		locale = c.cfg.DefaultLocale
	}
	now := c.now()

	s := domain.NewSession(id, domain.UserContext{
		ClientID:     req.ClientID,
		Locale:       locale,
		Preferences:  req.Preferences,
		JoinedAt:     now,
		LastActivity: now,
	}, domain.Product{
		AssetRef:    req.AssetRef,
		Description: strings.TrimSpace(req.Description),
	}, c.cfg.BudgetTotal)
	s.RateLimit = domain.RateLimit{Limit: c.cfg.RateLimit.Limit, Remaining: c.cfg.RateLimit.Limit}
	s.Health.LastHeartbeat = now
	if next, ok := s.CurrentAgent.Next(); ok {
		s.Handoff.NextAgent = next
	}
	c.tracker.RefreshProgress(s)

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	created, err := c.repo.Create(sctx, s)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	c.appendMessages(ctx, &domain.ChatMessage{
		SessionID: id,
		Type:      domain.MessageSystem,
		Content:   fmt.Sprintf("Session started with the %s.", created.CurrentAgent.DisplayName()),
	})

	c.logger.Info("session started", "session_id", id, "agent", created.CurrentAgent, "budget", created.Costs.Total)
	return created, nil
}

// AnalyzeProduct runs the analysis agent on the product description and
// attaches the result to the session.
func (c *Coordinator) AnalyzeProduct(ctx context.Context, sessionID, description string) (*domain.Session, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Closed() {
		return nil, domain.ErrSessionClosed
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = s.Product.Description
	}
	if description == "" && s.Product.AssetRef == "" {
		return nil, fmt.Errorf("product description is empty: %w", errdefs.ErrInvalidArgument)
	}

	req := generation.Request{
		Kind:            generation.KindAnalysis,
		SessionID:       s.SessionID,
		Agent:           domain.AgentAnalysis,
		Locale:          s.User.Locale,
		System:          generation.SystemPrompt(domain.AgentAnalysis, generation.KindAnalysis),
		Prompt:          analysisPrompt(description, s.Product.AssetRef),
		MaxOutputTokens: c.cfg.MaxOutputTokens,
	}
	decision := c.guard.CanProceed(s.Costs, c.pricing.Estimate(req))
	if !decision.Allowed {
		c.logger.Warn("analysis blocked by budget", "session_id", s.SessionID, "reason", decision.Reason)
		return nil, decision.Err()
	}

	start := time.Now()
	res, genErr := c.generate(ctx, req)
	latency := time.Since(start)

	// The outcome is written even if the caller has gone away: the backend
	// call already happened and its spend must reach the ledger.
	wctx := context.WithoutCancel(ctx)
	if genErr != nil {
		permanent := !errors.Is(genErr, generation.ErrTransient)
		if _, err := c.updateLatest(wctx, s.SessionID, func(next *domain.Session) error {
			if permanent {
				next.Product.Status = domain.ProductFailed
			}
			ratelimit.Observe(&next.Health, false, latency, c.now())
			return nil
		}); err != nil {
			c.logger.Warn("failed to record analysis failure", "session_id", s.SessionID, "error", err)
		}
		return nil, genErr
	}
	if res.Analysis == nil {
		res.Analysis = generation.ParseReply(generation.KindAnalysis, res.Text, c.now()).Analysis
	}

	cost := c.pricing.Cost(res.Usage)
	updated, err := c.updateLatest(wctx, s.SessionID, func(next *domain.Session) error {
		if _, err := c.guard.Record(&next.Costs, decision, CategoryAnalysis, cost); err != nil {
			return err
		}
		now := c.now()
		next.Product.Description = description
		next.Product.Analysis = res.Analysis
		next.Product.Status = domain.ProductAnalyzed
		next.User.LastActivity = now
		ratelimit.Observe(&next.Health, true, latency, now)
		c.refreshReadiness(next)
		if !next.Status.Closed() {
			next.Status = turnStatus(next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sctx, cancel := c.storeCtx(wctx)
	if err := c.repo.StoreAnalysisSnapshot(sctx, s.SessionID, res.Analysis); err != nil {
		c.logger.Warn("failed to store analysis snapshot", "session_id", s.SessionID, "error", err)
	}
	cancel()

	c.appendMessages(wctx, &domain.ChatMessage{
		SessionID: s.SessionID,
		Type:      domain.MessageAgent,
		AgentName: domain.AgentAnalysis.DisplayName(),
		Content:   res.Analysis.Summary,
		Metadata:  map[string]string{"kind": string(generation.KindAnalysis), "model": res.Model},
	})

	c.logger.Info("product analyzed", "session_id", s.SessionID, "cost", cost,
		"confidence", res.Analysis.Confidence, "budget_alert", updated.Costs.BudgetAlert)
	return updated, nil
}

func analysisPrompt(description, assetRef string) string {
	switch {
	case assetRef == "":
		return description
	case description == "":
		return "Product image: " + assetRef
	default:
		return description + "\nProduct image: " + assetRef
	}
}

// Complete closes the session after the final agent finishes.
func (c *Coordinator) Complete(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == domain.StatusCompleted {
		return s, nil
	}
	if !s.CurrentAgent.IsFinal() {
		return nil, ErrNotFinalAgent
	}
	updated, err := c.update(ctx, s, func(next *domain.Session) error {
		next.Status = domain.StatusCompleted
		next.User.LastActivity = c.now()
		c.tracker.RefreshProgress(next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.appendMessages(ctx, &domain.ChatMessage{
		SessionID: sessionID,
		Type:      domain.MessageSystem,
		Content:   "Session completed.",
	})
	c.logger.Info("session completed", "session_id", sessionID, "cost", updated.Costs.Current)
	return updated, nil
}

// RequestHandoff performs an explicit handoff to the next agent.
func (c *Coordinator) RequestHandoff(ctx context.Context, sessionID string) (*handoff.Result, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	res, err := c.protocol.Execute(ctx, s, handoff.TriggerRequest)
	if res != nil && res.Record.Status == domain.HandoffCompleted {
		c.announceHandoff(ctx, res.Record)
	}
	return res, err
}

// Session returns the full session document.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	return c.load(ctx, sessionID)
}

// Messages returns the session's chat log in order.
func (c *Coordinator) Messages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error) {
	if _, err := c.load(ctx, sessionID); err != nil {
		return nil, err
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	return c.repo.ListMessages(sctx, sessionID)
}

// Handoffs returns the session's handoff audit trail oldest first.
func (c *Coordinator) Handoffs(ctx context.Context, sessionID string) ([]*domain.HandoffAuditRecord, error) {
	if _, err := c.load(ctx, sessionID); err != nil {
		return nil, err
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	return c.repo.ListHandoffs(sctx, sessionID)
}

// Ping checks the store.
func (c *Coordinator) Ping(ctx context.Context) error {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	return c.repo.Ping(sctx)
}

// Backend returns the name of the generation backend in use.
func (c *Coordinator) Backend() string {
	return c.backend.Name()
}

func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.StoreTimeout)
}

// latestAttempts bounds rereads when another writer keeps winning the CAS.
const latestAttempts = 5

// updateLatest rereads the session and applies mutate to its newest
// version, retrying when a concurrent write lands first.
func (c *Coordinator) updateLatest(ctx context.Context, sessionID string, mutate store.MutateFunc) (*domain.Session, error) {
	var err error
	for range latestAttempts {
		var s, updated *domain.Session
		s, err = c.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		updated, err = c.update(ctx, s, mutate)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return nil, err
		}
	}
	return nil, err
}

// update applies mutate at s's version under the store timeout.
func (c *Coordinator) update(ctx context.Context, s *domain.Session, mutate store.MutateFunc) (*domain.Session, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	updated, err := c.repo.Update(sctx, s.SessionID, s.Metadata.Version, mutate)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return updated, nil
}

func (c *Coordinator) generate(ctx context.Context, req generation.Request) (*generation.Result, error) {
	if c.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.GenerationTimeout)
		defer cancel()
	}
	return c.backend.Generate(ctx, req)
}

// refreshReadiness recomputes the derived handoff and progress fields.
func (c *Coordinator) refreshReadiness(s *domain.Session) {
	s.Handoff.ReadyForNext = c.evaluator.IsReady(s)
	if next, ok := s.CurrentAgent.Next(); ok {
		s.Handoff.NextAgent = next
	} else {
		s.Handoff.NextAgent = ""
	}
	c.tracker.RefreshProgress(s)
}

// appendMessages writes chat entries in order. Failures are logged; the
// session document is already committed by the time messages are written.
func (c *Coordinator) appendMessages(ctx context.Context, msgs ...*domain.ChatMessage) bool {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	for _, m := range msgs {
		if err := c.repo.AppendMessage(sctx, m); err != nil {
			c.logger.Error("failed to append chat message", "session_id", m.SessionID, "type", m.Type, "error", err)
			return false
		}
	}
	return true
}

func (c *Coordinator) announceHandoff(ctx context.Context, record *domain.HandoffAuditRecord) {
	c.appendMessages(ctx, &domain.ChatMessage{
		SessionID: record.SessionID,
		Type:      domain.MessageSystem,
		Content: fmt.Sprintf("The %s handed the conversation to the %s.",
			record.FromAgent.DisplayName(), record.ToAgent.DisplayName()),
		Metadata: map[string]string{"handoff_id": record.ID},
	})
}

// mergeUnique appends new non-empty entries not already present and keeps
// the newest limit entries.
func mergeUnique(existing, add []string, limit int) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
