package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgecode/forge/internal/control"
	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/operations"
)

// GenerateAllFiles drives the phasic state machine to completion or
// cancellation. It is a no-op if a build is already running,
// or if the MVP has already been generated and there is no pending user
// input to react to.
func (a *Agent) GenerateAllFiles(ctx context.Context) error {
	a.mu.Lock()
	if a.buildRunning {
		a.mu.Unlock()
		return nil
	}
	if a.state.Flags.MVPGenerated && len(a.state.PendingUserInputs) == 0 && len(a.state.PendingUserImages) == 0 {
		a.mu.Unlock()
		return nil
	}
	if a.state.Behavior == core.BehaviorAgentic {
		a.mu.Unlock()
		return core.ErrExecution("agentic_build_unimplemented", "the agentic behavior's planning loop is not implemented; only the phasic build loop is supported")
	}
	a.buildRunning = true
	a.abort = control.New(ctx)
	abortCtx := a.abort.Context()
	if a.state.DevState == core.DevStateIdle {
		a.state.DevState = a.nextStartingState()
	}
	a.mu.Unlock()

	_ = a.broadcast(ctx, core.MsgGenerationStarted, nil)
	runErr := a.runLoop(abortCtx)

	a.mu.Lock()
	a.buildRunning = false
	a.abort = nil
	a.mu.Unlock()
	_ = a.broadcast(ctx, core.MsgGenerationComplete, nil)

	if runErr != nil {
		if core.IsCategory(runErr, core.ErrCatCancelled) {
			return nil // cancellation is swallowed by the build loop
		}
		_ = a.broadcast(ctx, core.MsgError, runErr.Error())
		return runErr
	}
	return nil
}

// nextStartingState decides where to resume the state machine: an
// in-progress (incomplete) phase resumes at PHASE_IMPLEMENTING; a
// completed set of phases with budget remaining resumes at
// PHASE_GENERATING; a brand new agent starts by implementing the
// blueprint's InitialPhase.
func (a *Agent) nextStartingState() core.DevState {
	if n := len(a.state.Phases); n > 0 && !a.state.Phases[n-1].Completed {
		return core.DevStatePhaseImplementing
	}
	if len(a.state.Phases) == 0 {
		a.state.Phases = append(a.state.Phases, a.state.Blueprint.InitialPhase)
		return core.DevStatePhaseImplementing
	}
	return core.DevStatePhaseGenerating
}

// Busy reports whether a build loop or deep-debug session is currently
// running, so a pool manager can skip eviction mid-work.
func (a *Agent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buildRunning || a.deepDebugRunning
}

// Cancel trips the current build's abort handle, if one is running.
func (a *Agent) Cancel() {
	a.mu.Lock()
	h := a.abort
	a.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

func (a *Agent) runLoop(ctx context.Context) error {
	for {
		if err := a.checkCancelled(); err != nil {
			return err
		}
		a.mu.Lock()
		state := a.state.DevState
		a.mu.Unlock()

		var err error
		switch state {
		case core.DevStateIdle:
			return nil
		case core.DevStatePhaseGenerating:
			err = a.runPhaseGenerating(ctx)
		case core.DevStatePhaseImplementing:
			err = a.runPhaseImplementing(ctx)
		case core.DevStateFinalizing:
			err = a.runFinalizing(ctx)
		case core.DevStateReviewing:
			err = a.runReviewing(ctx)
		default:
			return core.ErrState(core.CodeInvalidState, fmt.Sprintf("unknown dev state %q", state))
		}
		if err != nil {
			return err
		}
	}
}

func (a *Agent) checkCancelled() error {
	a.mu.Lock()
	h := a.abort
	a.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.CheckCancelled()
}

// drainPendingUserContext pulls and clears queued user inputs and image
// descriptions into one free-text blob for the next generateNextPhase
// call.
func (a *Agent) drainPendingUserContext() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var parts []string
	parts = append(parts, a.state.PendingUserInputs...)
	for _, img := range a.state.PendingUserImages {
		parts = append(parts, fmt.Sprintf("[attached image: %s]", img.Name))
	}
	a.state.PendingUserInputs = nil
	a.state.PendingUserImages = nil
	return strings.Join(parts, "\n")
}

func (a *Agent) runPhaseGenerating(ctx context.Context) error {
	_ = a.broadcast(ctx, core.MsgPhaseGenerating, nil)

	issues, runtimeErrs := a.fetchIssuesBestEffort(ctx)
	userContext := a.drainPendingUserContext()

	a.mu.Lock()
	completed := completedPhases(a.state.Phases)
	blueprint := a.state.Blueprint
	a.mu.Unlock()

	out, err := a.ops.GenerateNextPhase(ctx, operations.GenerateNextPhaseInput{
		Blueprint:       blueprint,
		CompletedPhases: completed,
		Issues:          issues,
		RuntimeErrors:   runtimeErrs,
		UserContext:     userContext,
	})
	if err != nil {
		return fmt.Errorf("generating next phase: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if out.Phase == nil {
		a.state.DevState = core.DevStateFinalizing
		return nil
	}
	a.state.Phases = append(a.state.Phases, *out.Phase)
	_ = a.broadcast(ctx, core.MsgPhaseGenerated, out.Phase.Name)
	a.state.DevState = core.DevStatePhaseImplementing
	return nil
}

func completedPhases(phases []core.PhaseConcept) []core.PhaseConcept {
	var out []core.PhaseConcept
	for _, p := range phases {
		if p.Completed {
			out = append(out, p)
		}
	}
	return out
}

func (a *Agent) runPhaseImplementing(ctx context.Context) error {
	a.mu.Lock()
	n := len(a.state.Phases)
	if n == 0 {
		a.mu.Unlock()
		return core.ErrState(core.CodeInvalidState, "no phase to implement")
	}
	phase := a.state.Phases[n-1]
	a.mu.Unlock()

	_ = a.broadcast(ctx, core.MsgPhaseImplementing, phase.Name)
	_ = a.broadcast(ctx, core.MsgFileGenerating, phase.Name)

	currentFiles := make(map[string]core.FileState)
	for _, f := range a.files.All() {
		currentFiles[f.Path] = f
	}

	out, err := a.ops.ImplementPhase(ctx, operations.ImplementPhaseInput{
		Phase:        phase,
		CurrentFiles: currentFiles,
		OnFileChunk: func(path, chunk string) {
			_ = a.broadcast(ctx, core.MsgFileChunkGenerated, map[string]string{"path": path})
		},
	})
	if err != nil {
		return fmt.Errorf("implementing phase %q: %w", phase.Name, err)
	}

	if len(out.Files) > 0 {
		saved, err := a.files.SaveMany(ctx, out.Files, fmt.Sprintf("feat: %s", phase.Name))
		if err != nil {
			return fmt.Errorf("saving phase files: %w", err)
		}
		for _, f := range saved {
			a.mu.Lock()
			a.state.Files[f.Path] = f
			a.mu.Unlock()
			_ = a.broadcast(ctx, core.MsgFileGenerated, f.Path)
		}
	}

	if len(out.Commands) > 0 {
		a.runCommandsNoRetry(ctx, out.Commands)
		if anyLooksLikePackageManifestCommand(out.Commands) {
			a.syncPackageManifest(ctx)
		}
	}

	if err := a.validateAndFix(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.state.Phases[len(a.state.Phases)-1].Completed = true
	last := a.state.Phases[len(a.state.Phases)-1]
	if a.state.PhasesBudget > 0 {
		a.state.PhasesBudget--
	}
	finishing := last.LastPhase || a.state.PhasesBudget <= 0
	hasPending := len(a.state.PendingUserInputs) > 0 || len(a.state.PendingUserImages) > 0
	if finishing && !hasPending {
		a.state.DevState = core.DevStateFinalizing
	} else {
		a.state.DevState = core.DevStatePhaseGenerating
	}
	a.mu.Unlock()
	_ = a.broadcast(ctx, core.MsgPhaseImplemented, phase.Name)
	return nil
}

// validateAndFix deploys the current files, runs static analysis and
// runtime-error collection, then the deterministic and (optionally)
// fast-fixer self-healing passes.
func (a *Agent) validateAndFix(ctx context.Context) error {
	_ = a.broadcast(ctx, core.MsgPhaseValidating, nil)

	_, err := a.deploy.DeployToSandbox(ctx, a.files.RelevantFiles(), true, "chore: redeploy after phase", false, core.DeployCallbacks{
		OnStarted:   func() { _ = a.broadcast(ctx, core.MsgDeploymentStarted, nil) },
		OnCompleted: func(url string) { _ = a.broadcast(ctx, core.MsgDeploymentCompleted, url) },
		OnError:     func(e error) { _ = a.broadcast(ctx, core.MsgDeploymentFailed, e.Error()) },
	})
	if err != nil && !core.IsCategory(err, core.ErrCatUnavailable) {
		a.logger.Warn("redeploy failed", "error", err)
	}

	issues, runtimeErrs := a.fetchIssuesBestEffort(ctx)
	_ = a.broadcast(ctx, core.MsgStaticAnalysisResults, issues)
	for _, re := range runtimeErrs {
		_ = a.broadcast(ctx, core.MsgRuntimeErrorFound, re.Message)
	}

	if len(issues.Lint)+len(issues.Typecheck) == 0 {
		return nil
	}

	_ = a.broadcast(ctx, core.MsgDeterministicCodeFixStarted, nil)
	if err := a.deterministicCodeFixes(ctx, issues); err != nil {
		a.logger.Warn("deterministic code fixes failed", "error", err)
	}
	_ = a.broadcast(ctx, core.MsgDeterministicCodeFixCompleted, nil)

	if a.FastFixerEnabled {
		if err := a.fastFix(ctx, issues); err != nil {
			a.logger.Warn("fast fixer failed", "error", err)
		}
	}
	return nil
}

func (a *Agent) fetchIssuesBestEffort(ctx context.Context) (core.StaticAnalysisResult, []core.RuntimeError) {
	issues, err := a.deploy.RunStaticAnalysis(ctx, a.files.RelevantFiles())
	if err != nil {
		a.logger.Warn("static analysis failed", "error", err)
	}
	runtimeErrs, err := a.deploy.FetchRuntimeErrors(ctx, false)
	if err != nil && !core.IsCategory(err, core.ErrCatUnavailable) {
		a.logger.Warn("fetching runtime errors failed", "error", err)
	}
	return issues, runtimeErrs
}

// runFinalizing runs once per agent (gated by Flags.MVPGenerated): it
// synthesizes and implements a final "wrap up" phase, then hands off to
// REVIEWING. mvpGenerated itself is set true here, at the end of
// the MVP build — see DESIGN.md for this interpretation of the gate.
func (a *Agent) runFinalizing(ctx context.Context) error {
	a.mu.Lock()
	if a.state.Flags.MVPGenerated {
		a.state.DevState = core.DevStateReviewing
		a.mu.Unlock()
		return nil
	}
	a.state.Phases = append(a.state.Phases, core.PhaseConcept{
		Name:        "Finalization and review",
		Description: "Polish the generated application: fix remaining issues, tidy structure, write a README.",
		LastPhase:   true,
	})
	a.state.DevState = core.DevStatePhaseImplementing
	a.mu.Unlock()

	if err := a.runPhaseImplementing(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.state.Flags.MVPGenerated = true
	a.state.DevState = core.DevStateReviewing
	a.mu.Unlock()
	return nil
}

// runReviewing runs once per agent (gated by Flags.ReviewingInitiated):
// it surfaces any remaining static-analysis issues as a conversation
// message suggesting a deep-debug session, then returns the machine to
// IDLE.
func (a *Agent) runReviewing(ctx context.Context) error {
	a.mu.Lock()
	already := a.state.Flags.ReviewingInitiated
	session := a.state.Identity.SessionID
	a.mu.Unlock()
	if already {
		a.mu.Lock()
		a.state.DevState = core.DevStateIdle
		a.mu.Unlock()
		return nil
	}

	issues, _ := a.fetchIssuesBestEffort(ctx)
	if len(issues.Lint)+len(issues.Typecheck) > 0 && a.convo != nil {
		msg := core.ConversationMessage{
			Role:    core.RoleAssistant,
			Content: fmt.Sprintf("Found %d remaining issues after finalizing. Consider starting a deep-debug session to resolve them.", len(issues.Lint)+len(issues.Typecheck)),
		}
		if err := a.convo.Add(ctx, session, core.HistoryFull, msg); err != nil {
			a.logger.Warn("recording review message failed", "error", err)
		}
		_ = a.broadcast(ctx, core.MsgConversationResponse, msg.Content)
	}

	a.mu.Lock()
	a.state.Flags.ReviewingInitiated = true
	a.state.DevState = core.DevStateIdle
	a.mu.Unlock()
	return nil
}
