// Package agent implements the centerpiece per-project Agent. It owns
// the durable AgentState and drives the phasic build loop
// (PHASE_GENERATING -> PHASE_IMPLEMENTING -> FINALIZING -> REVIEWING)
// across its Workspace, FileManager, Sandbox, DeploymentManager,
// ConversationStore and Broadcaster collaborators, driving the LLM
// through the operations Registry.
//
// One long-lived struct per unit of work, a mutex-guarded state value,
// a single cancellation handle reused across nested calls, and a
// goroutine-based "kick off async work, return immediately"
// initialization idiom.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forgecode/forge/internal/control"
	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/operations"
)

// Agent owns the per-project state machine and coordinates every other
// component for one AgentID.
type Agent struct {
	mu    sync.Mutex
	state *core.AgentState

	ws          core.Workspace
	files       core.FileManager
	sandbox     core.Sandbox
	deploy      core.DeploymentManager
	convo       core.ConversationStore
	broadcaster core.Broadcaster
	apps        core.AppService
	ops         *operations.Registry

	logger *slog.Logger

	// abort is non-nil only while a build loop (GenerateAllFiles) is
	// running; nested inference calls reuse it so a single Cancel aborts
	// an entire phase.
	abort *control.AbortHandle

	buildRunning     bool
	deepDebugRunning bool

	// FastFixerEnabled toggles the optional fast smart-fixer pass after
	// each phase's validation. Off by default; the deterministic fixer always runs.
	FastFixerEnabled bool
}

// Deps bundles Agent's collaborators. Apps may
// be nil; when nil, app-record persistence is skipped.
type Deps struct {
	Workspace   core.Workspace
	Files       core.FileManager
	Sandbox     core.Sandbox
	Deploy      core.DeploymentManager
	Convo       core.ConversationStore
	Broadcaster core.Broadcaster
	Apps        core.AppService
	Ops         *operations.Registry
	Logger      *slog.Logger
}

// New constructs an Agent ready for Initialize. The AgentState is not
// created until Initialize runs.
func New(d Deps) *Agent {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		ws:          d.Workspace,
		files:       d.Files,
		sandbox:     d.Sandbox,
		deploy:      d.Deploy,
		convo:       d.Convo,
		broadcaster: d.Broadcaster,
		apps:        d.Apps,
		ops:         d.Ops,
		logger:      logger,
	}
}

// State returns a snapshot-by-reference of the agent's current state.
// Callers that only read should hold no further lock; callers that
// need a consistent view across multiple fields should use WithState.
func (a *Agent) State() *core.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// WithState runs fn with the state lock held, for callers that need to
// read or mutate several fields atomically.
func (a *Agent) WithState(fn func(*core.AgentState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.state)
}

// Workspace exposes the agent's content-addressed object store so
// callers (the export pipeline) can stream its objects without the
// agent itself needing to know about GitHub.
func (a *Agent) Workspace() core.Workspace {
	return a.ws
}

// Initialize creates the AgentState, derives the project name, asks the
// LLM for a Blueprint (streaming chunks to the broadcaster), writes the
// template's bootstrap files, and kicks off initializeAsync in the
// background.
func (a *Agent) Initialize(ctx context.Context, identity core.Identity, behavior core.BehaviorKind, query, templateName string) error {
	a.mu.Lock()
	if a.state != nil {
		a.mu.Unlock()
		return core.ErrState(core.CodeInvalidState, "agent already initialized")
	}
	state := core.NewAgentState(identity, behavior, query, templateName)
	a.state = state
	a.mu.Unlock()

	if err := a.ws.Init(ctx, "main"); err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}

	var chunks []string
	out, err := a.ops.BlueprintGen(ctx, operations.BlueprintGenInput{
		Query:        query,
		TemplateName: templateName,
		OnChunk: func(c string) {
			chunks = append(chunks, c)
			_ = a.broadcast(ctx, core.MsgFileChunkGenerated, c)
		},
	})
	if err != nil {
		return fmt.Errorf("generating blueprint: %w", err)
	}

	a.mu.Lock()
	a.state.Blueprint = out.Blueprint
	a.state.Blueprint.ProjectName = deriveProjectName(out.Blueprint.Title, string(identity.AgentID))
	a.mu.Unlock()

	if a.apps != nil {
		_ = a.apps.SaveApp(ctx, core.AppRecord{
			AgentID:      identity.AgentID,
			ProjectName:  a.state.Blueprint.ProjectName,
			TemplateName: templateName,
		})
	}

	go a.initializeAsync(context.WithoutCancel(ctx))
	return nil
}

// initializeAsync provisions the sandbox and runs the template's setup
// commands in the background so Initialize can return promptly.
func (a *Agent) initializeAsync(ctx context.Context) {
	files := a.files.RelevantFiles()
	_, err := a.deploy.DeployToSandbox(ctx, files, false, "chore: initial sandbox provisioning", false, core.DeployCallbacks{
		OnStarted:   func() { _ = a.broadcast(ctx, core.MsgDeploymentStarted, nil) },
		OnCompleted: func(url string) { _ = a.broadcast(ctx, core.MsgDeploymentCompleted, url) },
		OnError:     func(e error) { _ = a.broadcast(ctx, core.MsgDeploymentFailed, e.Error()) },
	})
	if err != nil {
		a.logger.Error("initial sandbox provisioning failed", "error", err)
		return
	}
}

func (a *Agent) broadcast(ctx context.Context, typ core.MessageType, data any) error {
	if a.broadcaster == nil {
		return nil
	}
	err := a.broadcaster.Broadcast(ctx, typ, data)
	if _, ok := core.ProjectUpdateMessageTypes[typ]; ok {
		a.mu.Lock()
		if a.state != nil {
			a.state.ProjectUpdateAccumulator = append(a.state.ProjectUpdateAccumulator, fmt.Sprint(data))
		}
		a.mu.Unlock()
	}
	return err
}
