package testutil

import (
	"github.com/forgecode/forge/internal/core"
)

// NewTestAgentState creates an AgentState with sensible defaults for
// tests. Use functional options to override specific fields.
func NewTestAgentState(opts ...func(*core.AgentState)) *core.AgentState {
	s := core.NewAgentState(
		core.Identity{AgentID: "agent-test", SessionID: "session-test", UserID: "user-test"},
		core.BehaviorPhasic,
		"build me a todo app",
		"react-vite",
	)
	for _, opt := range opts {
		opt(s)
	}
	return s
}
