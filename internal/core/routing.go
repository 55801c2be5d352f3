package core

// AgentAction names one of the agents the router can dispatch to.
type AgentAction string

const (
	ActionExplain   AgentAction = "EXPLAIN"
	ActionGenerate  AgentAction = "GENERATE"
	ActionTest      AgentAction = "TEST"
	ActionDecompose AgentAction = "DECOMPOSE"
	ActionRefuse    AgentAction = "REFUSE"
)

// RoutingDecision is the classified intent of one user request.
type RoutingDecision struct {
	PrimaryAction    AgentAction   `json:"primary_action"`
	SecondaryActions []AgentAction `json:"secondary_actions,omitempty"`
	Reasoning        string        `json:"reasoning"`
	Confidence       float64       `json:"confidence"`
	ShouldDecompose  bool          `json:"should_decompose,omitempty"`
	ParallelAgents   []AgentAction `json:"parallel_agents,omitempty"`
	SkipAgents       []string      `json:"skip_agents,omitempty"`
}

// Wants reports whether the decision requests the given action as primary,
// secondary, or parallel.
func (d RoutingDecision) Wants(action AgentAction) bool {
	if d.PrimaryAction == action {
		return true
	}
	for _, a := range d.SecondaryActions {
		if a == action {
			return true
		}
	}
	for _, a := range d.ParallelAgents {
		if a == action {
			return true
		}
	}
	return false
}

// Actions returns the deduplicated union of primary, secondary, and parallel
// actions, in first-seen order.
func (d RoutingDecision) Actions() []AgentAction {
	seen := make(map[AgentAction]struct{})
	var out []AgentAction
	add := func(a AgentAction) {
		if a == "" {
			return
		}
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	add(d.PrimaryAction)
	for _, a := range d.SecondaryActions {
		add(a)
	}
	for _, a := range d.ParallelAgents {
		add(a)
	}
	return out
}
