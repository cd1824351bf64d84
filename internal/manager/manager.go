// Package manager implements the process-wide registry of live Agents:
// functional-options configuration, map-plus-access-order LRU
// bookkeeping, and a "skip eviction while work is running, skip
// eviction below a minimum floor" eviction gate, pooling per-project
// code-generation Agents each backed by its own on-disk workspace,
// sandbox and deployment manager.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/forgecode/forge/internal/agent"
	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/deploy"
	"github.com/forgecode/forge/internal/filemanager"
	"github.com/forgecode/forge/internal/operations"
	"github.com/forgecode/forge/internal/sandbox"
	"github.com/forgecode/forge/internal/workspace"
	"github.com/forgecode/forge/internal/wshub"
)

// Default pool configuration.
const (
	DefaultMaxActiveAgents      = 32
	DefaultMinActiveAgents      = 4
	DefaultEvictionGracePeriod = 15 * time.Minute
)

// Deps bundles the collaborators every Agent in the pool shares.
type Deps struct {
	DataDir      string
	TemplateName string
	Ops          *operations.Registry
	Apps         core.AppService
	Convo        core.ConversationStore
	Analyzer     deploy.StaticAnalyzer
	Logger       *slog.Logger
}

type options struct {
	logger              *slog.Logger
	maxActiveAgents     int
	minActiveAgents     int
	evictionGracePeriod time.Duration
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMaxActiveAgents sets the maximum number of resident agents.
func WithMaxActiveAgents(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxActiveAgents = n
		}
	}
}

// WithMinActiveAgents sets the floor below which eviction never drops
// the resident set.
func WithMinActiveAgents(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.minActiveAgents = n
		}
	}
}

// WithEvictionGracePeriod sets how recently an agent must have been
// touched to be exempt from eviction.
func WithEvictionGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.evictionGracePeriod = d
		}
	}
}

// entry wraps a resident Agent with the on-disk resources it owns and
// pool bookkeeping.
type entry struct {
	agentID      core.AgentID
	agent        *agent.Agent
	ws           *workspace.Store
	broadcaster  *wshub.Hub
	lastAccessed time.Time
	mu           sync.Mutex
}

func (e *entry) close() error {
	return e.ws.Close()
}

// Manager owns every live Agent for the process, keyed by AgentID, and
// evicts the least-recently-used once the resident set outgrows
// maxActiveAgents.
type Manager struct {
	deps Deps
	opts options

	mu          sync.RWMutex
	agents      map[core.AgentID]*entry
	accessOrder []core.AgentID
	closed      bool

	logger *slog.Logger
}

// New creates a Manager. DataDir must be a writable directory; each
// agent gets its own subdirectory for its workspace db and sandbox
// instance.
func New(deps Deps, opts ...Option) *Manager {
	o := options{
		logger:              slog.Default(),
		maxActiveAgents:     DefaultMaxActiveAgents,
		minActiveAgents:     DefaultMinActiveAgents,
		evictionGracePeriod: DefaultEvictionGracePeriod,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.minActiveAgents > o.maxActiveAgents {
		o.minActiveAgents = o.maxActiveAgents
	}
	logger := o.logger.With("component", "agent_manager")
	return &Manager{
		deps:   deps,
		opts:   o,
		agents: make(map[core.AgentID]*entry),
		logger: logger,
	}
}

// Get returns the agent for agentID if it's already resident, without
// creating or touching it on the LRU order.
func (m *Manager) Get(agentID core.AgentID) (*agent.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// GetOrCreate returns the resident agent for agentID, constructing one
// (with its own workspace, sandbox, deployment manager and broadcaster)
// if this is the first time this process has seen it.
func (m *Manager) GetOrCreate(ctx context.Context, agentID core.AgentID) (*agent.Agent, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, fmt.Errorf("agent manager is closed")
	}
	if e, ok := m.agents[agentID]; ok {
		m.mu.RUnlock()
		m.touch(agentID, e)
		return e.agent, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("agent manager is closed")
	}
	if e, ok := m.agents[agentID]; ok {
		e.lastAccessed = time.Now()
		return e.agent, nil
	}

	if len(m.agents) >= m.opts.maxActiveAgents {
		if err := m.evictLocked(); err != nil {
			m.logger.Warn("eviction failed, creating over capacity", "error", err)
		}
	}

	e, err := m.buildEntry(agentID)
	if err != nil {
		return nil, fmt.Errorf("constructing agent %s: %w", agentID, err)
	}
	m.agents[agentID] = e
	m.accessOrder = append(m.accessOrder, agentID)
	m.logger.Info("agent resident", "agent_id", agentID, "active_agents", len(m.agents))
	return e.agent, nil
}

func (m *Manager) touch(agentID core.AgentID, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.mu.Lock()
	e.lastAccessed = time.Now()
	e.mu.Unlock()
	for i, id := range m.accessOrder {
		if id == agentID {
			m.accessOrder = append(m.accessOrder[:i], m.accessOrder[i+1:]...)
			break
		}
	}
	m.accessOrder = append(m.accessOrder, agentID)
}

func (m *Manager) buildEntry(agentID core.AgentID) (*entry, error) {
	dir := filepath.Join(m.deps.DataDir, string(agentID))

	ws, err := workspace.Open(filepath.Join(dir, "workspace.db"))
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}
	files := filemanager.New(ws)
	sb, err := sandbox.NewLocal(dir, "sandbox")
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("provisioning sandbox: %w", err)
	}
	dm := deploy.New(sb, m.deps.TemplateName, m.deps.Analyzer)
	hub := wshub.New()

	a := agent.New(agent.Deps{
		Workspace:   ws,
		Files:       files,
		Sandbox:     sb,
		Deploy:      dm,
		Convo:       m.deps.Convo,
		Broadcaster: hub,
		Apps:        m.deps.Apps,
		Ops:         m.deps.Ops,
		Logger:      m.logger.With("agent_id", agentID),
	})

	return &entry{
		agentID:      agentID,
		agent:        a,
		ws:           ws,
		broadcaster:  hub,
		lastAccessed: time.Now(),
	}, nil
}

// Broadcaster returns the websocket fan-out hub for a resident agent,
// for the API layer's upgrade handler to register connections against.
func (m *Manager) Broadcaster(agentID core.AgentID) (*wshub.Hub, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	return e.broadcaster, true
}

// evictLocked evicts the least-recently-used agent that is both idle
// and outside the grace period. Caller must
// hold m.mu.
func (m *Manager) evictLocked() error {
	if len(m.accessOrder) == 0 {
		return fmt.Errorf("no agents to evict")
	}
	if len(m.agents) <= m.opts.minActiveAgents {
		return nil
	}

	now := time.Now()
	for i := 0; i < len(m.accessOrder); i++ {
		agentID := m.accessOrder[i]
		e, ok := m.agents[agentID]
		if !ok {
			m.accessOrder = append(m.accessOrder[:i], m.accessOrder[i+1:]...)
			i--
			continue
		}
		e.mu.Lock()
		last := e.lastAccessed
		e.mu.Unlock()
		if now.Sub(last) < m.opts.evictionGracePeriod {
			continue
		}
		if e.agent.Busy() {
			continue
		}
		return m.evictIndexLocked(i)
	}
	return fmt.Errorf("no eligible agents for eviction (all busy or within grace period)")
}

func (m *Manager) evictIndexLocked(i int) error {
	agentID := m.accessOrder[i]
	e := m.agents[agentID]

	if err := e.close(); err != nil {
		m.logger.Error("error closing evicted agent", "agent_id", agentID, "error", err)
	}
	delete(m.agents, agentID)
	m.accessOrder = append(m.accessOrder[:i], m.accessOrder[i+1:]...)
	m.logger.Info("agent evicted", "agent_id", agentID, "remaining_agents", len(m.agents))
	return nil
}

// Evict manually removes agentID from the resident set, regardless of
// the grace period (but still refusing while busy).
func (m *Manager) Evict(agentID core.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	if e.agent.Busy() {
		return core.ErrState(core.CodeInvalidState, "cannot evict agent while a build is running")
	}
	for i, id := range m.accessOrder {
		if id == agentID {
			return m.evictIndexLocked(i)
		}
	}
	return nil
}

// Active returns the number of resident agents.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Close shuts down every resident agent's workspace handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	var firstErr error
	for id, e := range m.agents {
		if err := e.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing agent %s: %w", id, err)
		}
	}
	m.agents = make(map[core.AgentID]*entry)
	m.accessOrder = nil
	m.closed = true
	return firstErr
}
