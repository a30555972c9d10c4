package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentPipelineOrder(t *testing.T) {
	t.Parallel()

	next, ok := AgentAnalysis.Next()
	require.True(t, ok)
	assert.Equal(t, AgentCreativeDirection, next)

	next, ok = AgentCreativeDirection.Next()
	require.True(t, ok)
	assert.Equal(t, AgentVideoProduction, next)

	_, ok = AgentVideoProduction.Next()
	assert.False(t, ok)
	assert.True(t, AgentVideoProduction.IsFinal())

	_, ok = Agent("bogus").Next()
	assert.False(t, ok)
}

func TestEveryAgentAndTopicHasDisplayName(t *testing.T) {
	t.Parallel()

	for _, a := range Agents() {
		assert.NotEmpty(t, a.DisplayName(), "agent %s", a)
	}
	for _, tp := range Topics() {
		assert.NotEmpty(t, tp.Label(), "topic %s", tp)
	}
	assert.Panics(t, func() { _ = Agent("bogus").DisplayName() })
}

func TestParseAgentAndTopic(t *testing.T) {
	t.Parallel()

	a, err := ParseAgent("creative_direction")
	require.NoError(t, err)
	assert.Equal(t, AgentCreativeDirection, a)
	_, err = ParseAgent("director")
	assert.Error(t, err)

	tp, err := ParseTopic("brand_positioning")
	require.NoError(t, err)
	assert.Equal(t, TopicBrandPositioning, tp)
	_, err = ParseTopic("pricing")
	assert.Error(t, err)
}

func TestTopicStatusNextIsForwardOnly(t *testing.T) {
	t.Parallel()

	assert.Equal(t, TopicInProgress, TopicPending.Next())
	assert.Equal(t, TopicCompleted, TopicInProgress.Next())
	assert.Equal(t, TopicCompleted, TopicCompleted.Next())
	assert.True(t, TopicPending.Before(TopicInProgress))
	assert.False(t, TopicCompleted.Before(TopicInProgress))
}

func TestNewSessionDefaults(t *testing.T) {
	t.Parallel()

	s := NewSession("s1", UserContext{Locale: "en"}, Product{AssetRef: "img://1"}, 300)
	assert.Equal(t, StatusInitializing, s.Status)
	assert.Equal(t, AgentAnalysis, s.CurrentAgent)
	assert.Equal(t, ProductUploaded, s.Product.Status)
	assert.Len(t, s.Conversation.Topics, 4)
	for _, tp := range Topics() {
		assert.Equal(t, TopicPending, s.TopicStatus(tp))
	}
	assert.InDelta(t, 300, s.Costs.Remaining, 1e-9)
	assert.InDelta(t, s.Costs.Total, s.Costs.Current+s.Costs.Remaining, 1e-9)
	assert.False(t, s.HasAnalysis())
	assert.Zero(t, s.CompletedRatio())
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	s := NewSession("s1", UserContext{Preferences: map[string]string{"tone": "bold"}}, Product{}, 300)
	s.Product.Analysis = &ProductAnalysis{Summary: "mug", Features: []string{"ceramic"}}
	s.Costs.Breakdown["chat"] = 1

	c := s.Clone()
	c.Conversation.Topics[TopicTargetAudience] = TopicCompleted
	c.Product.Analysis.Features[0] = "steel"
	c.Costs.Breakdown["chat"] = 2
	c.User.Preferences["tone"] = "calm"

	assert.Equal(t, TopicPending, s.TopicStatus(TopicTargetAudience))
	assert.Equal(t, "ceramic", s.Product.Analysis.Features[0])
	assert.InDelta(t, 1, s.Costs.Breakdown["chat"], 1e-9)
	assert.Equal(t, "bold", s.User.Preferences["tone"])
}

func TestErrorCodesAndClasses(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("get session: %w", ErrNotFound)
	assert.Equal(t, "not_found", ErrorCode(wrapped))
	assert.True(t, errdefs.IsNotFound(wrapped))

	budget := &BudgetExhaustedError{Requested: 5, Remaining: 1}
	assert.Equal(t, "budget_exhausted", ErrorCode(fmt.Errorf("turn: %w", budget)))
	assert.True(t, errdefs.IsResourceExhausted(budget))

	validation := &ValidationError{Errors: []string{"analysis missing"}}
	assert.Equal(t, "validation_error", ErrorCode(validation))
	assert.True(t, errdefs.IsInvalidArgument(validation))
	assert.Contains(t, validation.Error(), "analysis missing")

	assert.True(t, IsRetryable(fmt.Errorf("update: %w", ErrConcurrentModification)))
	assert.True(t, IsRetryable(ErrTransient))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))
	assert.Empty(t, ErrorCode(nil))
}
