// Package topic classifies conversational turns into the fixed topic set and
// advances each topic through its pending → in progress → completed lifecycle.
//
// Classification is a keyword heuristic with no confidence model. Text that
// matches nothing falls back to domain.FallbackTopic; callers must not treat
// the result as a reliable intent signal.
package topic

import (
	"strings"
	"unicode"

	"github.com/ashureev/adstudio/internal/domain"
)

// Tracker classifies turns and owns topic status transitions.
type Tracker struct {
	catalog *Catalog
}

// NewTracker creates a tracker; a nil catalog selects the embedded default.
func NewTracker(catalog *Catalog) *Tracker {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Tracker{catalog: catalog}
}

// Classify returns the topic whose keywords occur most often in text.
// Ties go to the earlier topic in canonical order; no match yields
// domain.FallbackTopic.
func (t *Tracker) Classify(text string) domain.Topic {
	lower := strings.ToLower(text)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	best, bestScore := domain.FallbackTopic, 0
	for _, entry := range t.catalog.entries {
		score := 0
		for _, tok := range tokens {
			if _, ok := entry.words[tok]; ok {
				score++
			}
		}
		for _, phrase := range entry.phrases {
			score += strings.Count(lower, phrase)
		}
		if score > bestScore {
			best, bestScore = entry.topic, score
		}
	}
	return best
}

// Advance moves topic one step forward and marks it current. Completed
// topics stay completed. It reports whether the status changed.
func (t *Tracker) Advance(s *domain.Session, topic domain.Topic) bool {
	ensureTopics(s)
	cur := s.TopicStatus(topic)
	next := cur.Next()
	s.Conversation.CurrentTopic = topic
	if next == cur {
		return false
	}
	s.Conversation.Topics[topic] = next
	return true
}

// Complete drives topic straight to completed. It never regresses.
func (t *Tracker) Complete(s *domain.Session, topic domain.Topic) bool {
	ensureTopics(s)
	if s.TopicStatus(topic) == domain.TopicCompleted {
		return false
	}
	s.Conversation.Topics[topic] = domain.TopicCompleted
	return true
}

// NextPending returns the first pending topic in canonical order.
func (t *Tracker) NextPending(s *domain.Session) (domain.Topic, bool) {
	for _, tp := range domain.Topics() {
		if s.TopicStatus(tp) == domain.TopicPending {
			return tp, true
		}
	}
	return "", false
}

// RefreshProgress recomputes the derived progress block.
func (t *Tracker) RefreshProgress(s *domain.Session) {
	total := len(domain.Topics())
	completed := s.CompletedTopics()
	s.Progress.Step = completed
	s.Progress.TotalSteps = total
	s.Progress.CompletionPercentage = float64(completed) / float64(total) * 100

	var actions []string
	if !s.HasAnalysis() {
		actions = append(actions, "Analyze the product")
	}
	if tp, ok := t.NextPending(s); ok {
		actions = append(actions, "Discuss "+strings.ToLower(tp.Label()))
	}
	for _, tp := range domain.Topics() {
		if s.TopicStatus(tp) == domain.TopicInProgress {
			actions = append(actions, "Finish "+strings.ToLower(tp.Label()))
		}
	}
	s.Progress.NextActions = actions
}

func ensureTopics(s *domain.Session) {
	if s.Conversation.Topics == nil {
		s.Conversation.Topics = make(map[domain.Topic]domain.TopicStatus, len(domain.Topics()))
	}
}
