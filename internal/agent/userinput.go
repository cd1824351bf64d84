package agent

import (
	"context"
	"fmt"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/operations"
)

// QueueUserRequest appends a user message (and any attached images) to
// the pending-input queue consumed by the next PHASE_GENERATING step,
// and recharges the phases budget to at least MinRechargedPhases so a
// mid-build user request isn't starved by an already-exhausted budget.
func (a *Agent) QueueUserRequest(text string, images []core.PendingImage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if text != "" {
		a.state.PendingUserInputs = append(a.state.PendingUserInputs, text)
	}
	a.state.PendingUserImages = append(a.state.PendingUserImages, images...)
	if a.state.PhasesBudget < core.MinRechargedPhases {
		a.state.PhasesBudget = core.MinRechargedPhases
	}
}

// ProcessUserMessage answers one chat turn outside the build loop,
// persisting both the user's message and the assistant's reply to the
// conversation store and broadcasting the reply.
func (a *Agent) ProcessUserMessage(ctx context.Context, text string) (string, error) {
	a.mu.Lock()
	session := a.state.Identity.SessionID
	a.mu.Unlock()

	running, _, err := a.convo.Get(ctx, session)
	if err != nil {
		return "", fmt.Errorf("loading conversation history: %w", err)
	}

	userMsg := core.ConversationMessage{Role: core.RoleUser, Content: text}
	if err := a.convo.Add(ctx, session, core.HistoryFull, userMsg); err != nil {
		return "", fmt.Errorf("recording user message: %w", err)
	}

	out, err := a.ops.UserConversationProcessor(ctx, operations.UserConversationInput{
		History:  running,
		UserText: text,
	})
	if err != nil {
		return "", fmt.Errorf("processing user message: %w", err)
	}

	assistantMsg := core.ConversationMessage{Role: core.RoleAssistant, Content: out.Response, ToolCalls: out.ToolCalls}
	if err := a.convo.Add(ctx, session, core.HistoryFull, assistantMsg); err != nil {
		return "", fmt.Errorf("recording assistant message: %w", err)
	}
	_ = a.broadcast(ctx, core.MsgConversationResponse, out.Response)
	return out.Response, nil
}

// StartDeepDebug gates the deep-debug session to at most one
// concurrent run per agent. Callers must call FinishDeepDebug when done,
// even on error.
func (a *Agent) StartDeepDebug() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deepDebugRunning {
		return core.ErrState(core.CodeDeepDebugAlreadyRunning, "a deep-debug session is already running for this agent")
	}
	a.deepDebugRunning = true
	return nil
}

// FinishDeepDebug records transcript as the agent's last deep-debug
// transcript and releases the gate acquired by StartDeepDebug.
func (a *Agent) FinishDeepDebug(transcript string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deepDebugRunning = false
	a.state.LastDeepDebugTranscript = transcript
}
