package domain

import "fmt"

// Agent identifies one stage of the fixed agent pipeline.
type Agent string

const (
	// AgentAnalysis studies the uploaded product and gathers requirements.
	AgentAnalysis Agent = "analysis"
	// AgentCreativeDirection turns the analysis into a creative strategy.
	AgentCreativeDirection Agent = "creative_direction"
	// AgentVideoProduction plans the final commercial.
	AgentVideoProduction Agent = "video_production"
)

// agentOrder is the canonical pipeline order.
var agentOrder = []Agent{AgentAnalysis, AgentCreativeDirection, AgentVideoProduction}

// Agents returns the pipeline in order.
func Agents() []Agent {
	out := make([]Agent, len(agentOrder))
	copy(out, agentOrder)
	return out
}

// FirstAgent returns the agent every session starts with.
func FirstAgent() Agent {
	return agentOrder[0]
}

// ParseAgent converts a wire value into an Agent.
func ParseAgent(s string) (Agent, error) {
	for _, a := range agentOrder {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown agent %q", s)
}

// Valid reports whether a is one of the pipeline agents.
func (a Agent) Valid() bool {
	_, err := ParseAgent(string(a))
	return err == nil
}

// Next returns the agent that follows a in the pipeline.
// ok is false for the final agent and for unknown values.
func (a Agent) Next() (next Agent, ok bool) {
	for i, cur := range agentOrder {
		if cur == a && i+1 < len(agentOrder) {
			return agentOrder[i+1], true
		}
	}
	return "", false
}

// IsFinal reports whether a is the last stage of the pipeline.
func (a Agent) IsFinal() bool {
	return a == agentOrder[len(agentOrder)-1]
}

// DisplayName returns the human readable agent name used in chat messages.
func (a Agent) DisplayName() string {
	switch a {
	case AgentAnalysis:
		return "Product Analyst"
	case AgentCreativeDirection:
		return "Creative Director"
	case AgentVideoProduction:
		return "Video Producer"
	default:
		panic(fmt.Sprintf("domain: unhandled agent %q", string(a)))
	}
}
