package domain

import "fmt"

// Topic is one of the fixed conversational subjects tracked to completion.
type Topic string

const (
	TopicProductFeatures   Topic = "product_features"
	TopicTargetAudience    Topic = "target_audience"
	TopicBrandPositioning  Topic = "brand_positioning"
	TopicVisualPreferences Topic = "visual_preferences"
)

// FallbackTopic is used when classification finds no keyword match.
const FallbackTopic = TopicProductFeatures

var topicOrder = []Topic{
	TopicProductFeatures,
	TopicTargetAudience,
	TopicBrandPositioning,
	TopicVisualPreferences,
}

// Topics returns all topics in canonical order.
func Topics() []Topic {
	out := make([]Topic, len(topicOrder))
	copy(out, topicOrder)
	return out
}

// ParseTopic converts a wire value into a Topic.
func ParseTopic(s string) (Topic, error) {
	for _, t := range topicOrder {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown topic %q", s)
}

// Label returns a short display label for the topic.
func (t Topic) Label() string {
	switch t {
	case TopicProductFeatures:
		return "Product features"
	case TopicTargetAudience:
		return "Target audience"
	case TopicBrandPositioning:
		return "Brand positioning"
	case TopicVisualPreferences:
		return "Visual preferences"
	default:
		panic(fmt.Sprintf("domain: unhandled topic %q", string(t)))
	}
}

// TopicStatus is the three-state completion lifecycle of a topic.
type TopicStatus string

const (
	TopicPending    TopicStatus = "pending"
	TopicInProgress TopicStatus = "in_progress"
	TopicCompleted  TopicStatus = "completed"
)

// rank orders statuses so transitions can be checked as forward-only.
func (s TopicStatus) rank() int {
	switch s {
	case TopicPending, "":
		return 0
	case TopicInProgress:
		return 1
	case TopicCompleted:
		return 2
	default:
		panic(fmt.Sprintf("domain: unhandled topic status %q", string(s)))
	}
}

// Next returns the status one step forward. Completed stays Completed.
func (s TopicStatus) Next() TopicStatus {
	switch s {
	case TopicPending, "":
		return TopicInProgress
	case TopicInProgress, TopicCompleted:
		return TopicCompleted
	default:
		panic(fmt.Sprintf("domain: unhandled topic status %q", string(s)))
	}
}

// Before reports whether s is strictly earlier in the lifecycle than other.
func (s TopicStatus) Before(other TopicStatus) bool {
	return s.rank() < other.rank()
}
