// Package deploy implements the Deployment Manager: it provisions a sandbox instance, deploys generated files, runs
// the template's setup commands, and surfaces runtime errors and
// static analysis results back to the Agent core.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgecode/forge/internal/core"
)

// StaticAnalyzer runs lint/typecheck over a file set. Implementations
// are free to shell out to real tools; rule sets are left to the
// deployed template.
type StaticAnalyzer interface {
	Analyze(ctx context.Context, files []core.FileState) (core.StaticAnalysisResult, error)
}

// NoopAnalyzer always returns an empty, successful result, used when
// no analyzer is configured rather than failing the deploy.
type NoopAnalyzer struct{}

func (NoopAnalyzer) Analyze(ctx context.Context, files []core.FileState) (core.StaticAnalysisResult, error) {
	return core.StaticAnalysisResult{}, nil
}

// Manager is the default core.DeploymentManager implementation.
type Manager struct {
	sandbox      core.Sandbox
	analyzer     StaticAnalyzer
	templateName string

	mu          sync.Mutex
	sessionID   string
	instance    core.SandboxInstanceMetadata
	deployed    bool
	runtimeErrs []core.RuntimeError
}

// New creates a Manager driving sandbox for one agent's project.
func New(sandbox core.Sandbox, templateName string, analyzer StaticAnalyzer) *Manager {
	if analyzer == nil {
		analyzer = NoopAnalyzer{}
	}
	return &Manager{
		sandbox:      sandbox,
		analyzer:     analyzer,
		templateName: templateName,
		sessionID:    uuid.NewString(),
	}
}

var _ core.DeploymentManager = (*Manager)(nil)

// DeployToSandbox writes files into the sandbox, runs the bootstrap
// command set, and exposes a preview URL. An empty file set
// with redeploy=true is a no-op that returns the cached preview.
func (m *Manager) DeployToSandbox(ctx context.Context, files []core.FileState, redeploy bool, commitMessage string, clearLogs bool, cb core.DeployCallbacks) (core.SandboxInstanceMetadata, error) {
	if cb.OnStarted != nil {
		cb.OnStarted()
	}

	m.mu.Lock()
	if redeploy && len(files) == 0 && m.deployed {
		cached := m.instance
		m.mu.Unlock()
		if cb.OnCompleted != nil {
			cb.OnCompleted(cached.PreviewURL)
		}
		return cached, nil
	}
	if clearLogs {
		m.runtimeErrs = nil
	}
	m.mu.Unlock()

	instance := core.SandboxInstanceMetadata{
		TemplateName: m.templateName,
		StartedAt:    time.Now(),
	}
	instance, err := m.sandbox.Deploy(ctx, files, instance)
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return core.SandboxInstanceMetadata{}, fmt.Errorf("deploying to sandbox: %w", err)
	}

	previewURL, err := m.sandbox.ExposePort(3000)
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return core.SandboxInstanceMetadata{}, fmt.Errorf("exposing preview port: %w", err)
	}
	instance.PreviewURL = previewURL

	m.mu.Lock()
	m.instance = instance
	m.deployed = true
	m.mu.Unlock()

	if cb.OnCompleted != nil {
		cb.OnCompleted(previewURL)
	}
	return instance, nil
}

// WaitForPreview blocks until a preview URL is available, or returns
// immediately if one already is.
func (m *Manager) WaitForPreview(ctx context.Context) (string, error) {
	m.mu.Lock()
	url := m.instance.PreviewURL
	m.mu.Unlock()
	if url != "" {
		return url, nil
	}
	return "", core.ErrUnavailable(core.CodeSandboxUnavailable, "preview not deployed yet")
}

// sandboxUnavailableMessage is the synthetic error text returned while
// a preview redeploy is in flight, kept stable so downstream consumers
// can match on it.
const sandboxUnavailableMessage = "<runtime errors not available at the moment as preview is not deployed>"

// FetchRuntimeErrors returns captured runtime errors. If the preview is
// not deployed, it triggers a background redeploy and returns the
// synthetic "not available" error.
func (m *Manager) FetchRuntimeErrors(ctx context.Context, clear bool) ([]core.RuntimeError, error) {
	m.mu.Lock()
	deployed := m.deployed
	errs := append([]core.RuntimeError(nil), m.runtimeErrs...)
	if clear {
		m.runtimeErrs = nil
	}
	m.mu.Unlock()

	if !deployed {
		go func() {
			_, _ = m.DeployToSandbox(context.Background(), nil, true, "", false, core.DeployCallbacks{})
		}()
		return []core.RuntimeError{{Message: sandboxUnavailableMessage, Timestamp: time.Now(), Severity: "error"}}, nil
	}
	return errs, nil
}

// RecordRuntimeError appends an observed runtime error (called by
// whatever collaborator tails the sandbox's preview logs).
func (m *Manager) RecordRuntimeError(e core.RuntimeError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimeErrs = append(m.runtimeErrs, e)
}

// RunStaticAnalysis runs lint/typecheck, swallowing analyzer failures
// into an empty-but-successful result.
func (m *Manager) RunStaticAnalysis(ctx context.Context, files []core.FileState) (core.StaticAnalysisResult, error) {
	result, err := m.analyzer.Analyze(ctx, files)
	if err != nil {
		return core.StaticAnalysisResult{}, nil
	}
	return result, nil
}

func (m *Manager) GetSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) GenerateNewSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = uuid.NewString()
	return m.sessionID
}
