package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/forgecode/forge/internal/core"
)

// MockLLMClient is an in-memory fake of core.LLMClient. Tests script
// responses with WithCompleteFunc/WithCompleteResponse/WithStreamChunks;
// unscripted calls echo the last message back.
type MockLLMClient struct {
	mu           sync.Mutex
	calls        []core.LLMRequest
	completeFunc func(context.Context, core.LLMRequest) (string, error)
	streamChunks []string
	streamErr    error
}

// NewMockLLMClient creates a MockLLMClient with no scripted behavior.
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{}
}

// WithCompleteFunc scripts Complete's behavior.
func (m *MockLLMClient) WithCompleteFunc(fn func(context.Context, core.LLMRequest) (string, error)) *MockLLMClient {
	m.completeFunc = fn
	return m
}

// WithCompleteResponse scripts a fixed Complete response.
func (m *MockLLMClient) WithCompleteResponse(text string) *MockLLMClient {
	m.completeFunc = func(context.Context, core.LLMRequest) (string, error) { return text, nil }
	return m
}

// WithCompleteError scripts Complete to fail with err.
func (m *MockLLMClient) WithCompleteError(err error) *MockLLMClient {
	m.completeFunc = func(context.Context, core.LLMRequest) (string, error) { return "", err }
	return m
}

// WithStreamChunks scripts Stream to emit the given chunks in order.
func (m *MockLLMClient) WithStreamChunks(chunks ...string) *MockLLMClient {
	m.streamChunks = chunks
	return m
}

// WithStreamError scripts Stream to fail after emitting its chunks.
func (m *MockLLMClient) WithStreamError(err error) *MockLLMClient {
	m.streamErr = err
	return m
}

// Complete implements core.LLMClient.
func (m *MockLLMClient) Complete(ctx context.Context, req core.LLMRequest) (string, error) {
	m.record(req)
	if err := ctx.Err(); err != nil {
		return "", core.ErrCancelled(err.Error())
	}
	if m.completeFunc != nil {
		return m.completeFunc(ctx, req)
	}
	if len(req.Messages) == 0 {
		return "", nil
	}
	return "echo: " + req.Messages[len(req.Messages)-1].Content, nil
}

// Stream implements core.LLMClient, delivering the scripted chunks through
// onChunk and returning their concatenation.
func (m *MockLLMClient) Stream(ctx context.Context, req core.LLMRequest, onChunk func(core.LLMChunk)) (string, error) {
	m.record(req)
	var out strings.Builder
	for _, c := range m.streamChunks {
		if err := ctx.Err(); err != nil {
			return out.String(), core.ErrCancelled(err.Error())
		}
		out.WriteString(c)
		if onChunk != nil {
			onChunk(core.LLMChunk{Text: c})
		}
	}
	if onChunk != nil {
		onChunk(core.LLMChunk{Done: true})
	}
	if m.streamErr != nil {
		return out.String(), m.streamErr
	}
	return out.String(), nil
}

// Calls returns every request the mock has seen, in order.
func (m *MockLLMClient) Calls() []core.LLMRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.LLMRequest{}, m.calls...)
}

func (m *MockLLMClient) record(req core.LLMRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
}

var _ core.LLMClient = (*MockLLMClient)(nil)

// FakeSandbox is a fully in-memory core.Sandbox used by agent and deploy
// tests so they don't shell out. Exec is scripted with WithExecFunc;
// unscripted commands succeed with empty output.
type FakeSandbox struct {
	mu        sync.Mutex
	files     map[string][]byte
	processes map[core.ProcessHandle]core.ProcessInfo
	ports     map[int]bool
	nextProc  int
	execFunc  func(cmd []string, opts core.ExecOptions) (core.ExecResult, error)
	execLog   [][]string
}

// NewFakeSandbox creates an empty FakeSandbox.
func NewFakeSandbox() *FakeSandbox {
	return &FakeSandbox{
		files:     make(map[string][]byte),
		processes: make(map[core.ProcessHandle]core.ProcessInfo),
		ports:     make(map[int]bool),
	}
}

// WithExecFunc scripts Exec's behavior.
func (s *FakeSandbox) WithExecFunc(fn func(cmd []string, opts core.ExecOptions) (core.ExecResult, error)) *FakeSandbox {
	s.execFunc = fn
	return s
}

func (s *FakeSandbox) guard(path string) error {
	if strings.Contains(path, "..") {
		return core.ErrSecurity(core.CodePathTraversal, "path traversal attempt: "+path)
	}
	return nil
}

// Exec implements core.Sandbox.
func (s *FakeSandbox) Exec(_ context.Context, cmd []string, opts core.ExecOptions) (core.ExecResult, error) {
	s.mu.Lock()
	s.execLog = append(s.execLog, append([]string{}, cmd...))
	fn := s.execFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(cmd, opts)
	}
	return core.ExecResult{ExitCode: 0}, nil
}

// ExecLog returns every command Exec was called with, in order.
func (s *FakeSandbox) ExecLog() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string{}, s.execLog...)
}

// WriteFile implements core.Sandbox.
func (s *FakeSandbox) WriteFile(_ context.Context, path string, data []byte) error {
	if err := s.guard(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte{}, data...)
	return nil
}

// ReadFile implements core.Sandbox.
func (s *FakeSandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	if err := s.guard(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	return data, nil
}

// DeleteFile implements core.Sandbox.
func (s *FakeSandbox) DeleteFile(_ context.Context, path string) error {
	if err := s.guard(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	return nil
}

// StartProcess implements core.Sandbox.
func (s *FakeSandbox) StartProcess(_ context.Context, cmd []string, opts core.ExecOptions) (core.ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProc++
	id := core.ProcessHandle(fmt.Sprintf("proc-%d", s.nextProc))
	s.processes[id] = core.ProcessInfo{ID: id, Command: strings.Join(cmd, " "), Cwd: opts.Cwd, Running: true}
	return id, nil
}

// GetProcess implements core.Sandbox.
func (s *FakeSandbox) GetProcess(id core.ProcessHandle) (core.ProcessInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	return p, ok
}

// KillProcess implements core.Sandbox.
func (s *FakeSandbox) KillProcess(id core.ProcessHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[id]
	if !ok {
		return fmt.Errorf("unknown process: %s", id)
	}
	p.Running = false
	s.processes[id] = p
	return nil
}

// ListProcesses implements core.Sandbox.
func (s *FakeSandbox) ListProcesses() []core.ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ProcessInfo, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	return out
}

// ExposePort implements core.Sandbox.
func (s *FakeSandbox) ExposePort(port int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[port] = true
	return fmt.Sprintf("http://localhost:%d", port), nil
}

// UnexposePort implements core.Sandbox.
func (s *FakeSandbox) UnexposePort(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, port)
	return nil
}

// SetEnvVars implements core.Sandbox.
func (s *FakeSandbox) SetEnvVars(map[string]string) error { return nil }

// GetExposedPorts implements core.Sandbox.
func (s *FakeSandbox) GetExposedPorts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.ports))
	for p := range s.ports {
		out = append(out, p)
	}
	return out
}

// Deploy implements core.Sandbox by writing every file then returning the
// instance metadata, defaulting a preview URL if none was set.
func (s *FakeSandbox) Deploy(ctx context.Context, files []core.FileState, instance core.SandboxInstanceMetadata) (core.SandboxInstanceMetadata, error) {
	for _, f := range files {
		if err := s.WriteFile(ctx, f.Path, []byte(f.Contents)); err != nil {
			return instance, err
		}
	}
	if instance.PreviewURL == "" {
		instance.PreviewURL = "http://localhost:3000"
	}
	return instance, nil
}

var _ core.Sandbox = (*FakeSandbox)(nil)

// BroadcastRecord is one recorded Broadcast or Send call.
type BroadcastRecord struct {
	ConnID string // empty for a Broadcast
	Type   core.MessageType
	Data   any
}

// FakeBroadcaster is an in-memory core.Broadcaster recording every
// broadcast/send for assertions on emission order.
type FakeBroadcaster struct {
	mu         sync.Mutex
	conns      map[string]bool
	Broadcasts []BroadcastRecord
}

// NewFakeBroadcaster creates a FakeBroadcaster with the given connections
// already attached.
func NewFakeBroadcaster(connIDs ...string) *FakeBroadcaster {
	conns := make(map[string]bool, len(connIDs))
	for _, id := range connIDs {
		conns[id] = true
	}
	return &FakeBroadcaster{conns: conns}
}

// Broadcast implements core.Broadcaster.
func (b *FakeBroadcaster) Broadcast(_ context.Context, typ core.MessageType, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Broadcasts = append(b.Broadcasts, BroadcastRecord{Type: typ, Data: data})
	return nil
}

// Send implements core.Broadcaster.
func (b *FakeBroadcaster) Send(_ context.Context, connID string, typ core.MessageType, data any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.conns[connID] {
		return fmt.Errorf("unknown connection: %s", connID)
	}
	b.Broadcasts = append(b.Broadcasts, BroadcastRecord{ConnID: connID, Type: typ, Data: data})
	return nil
}

// Connections implements core.Broadcaster.
func (b *FakeBroadcaster) Connections() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.conns))
	for id := range b.conns {
		out = append(out, id)
	}
	return out
}

// Close implements core.Broadcaster.
func (b *FakeBroadcaster) Close(connID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, connID)
	return nil
}

// Types returns the ordered list of message types broadcast so far.
func (b *FakeBroadcaster) Types() []core.MessageType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.MessageType, len(b.Broadcasts))
	for i, r := range b.Broadcasts {
		out[i] = r.Type
	}
	return out
}

var _ core.Broadcaster = (*FakeBroadcaster)(nil)

// FakeScreenshotProvider is a scripted core.ScreenshotProvider.
type FakeScreenshotProvider struct {
	Body []byte
	Err  error
}

// Capture implements core.ScreenshotProvider.
func (f *FakeScreenshotProvider) Capture(_ context.Context, _ string, _, _ int) (io.Reader, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	body := f.Body
	if body == nil {
		body = []byte("\x89PNGfake")
	}
	return strings.NewReader(string(body)), nil
}

var _ core.ScreenshotProvider = (*FakeScreenshotProvider)(nil)

// FakeAppService is an in-memory core.AppService.
type FakeAppService struct {
	mu   sync.Mutex
	apps map[core.AgentID]core.AppRecord
}

// NewFakeAppService creates an empty FakeAppService.
func NewFakeAppService() *FakeAppService {
	return &FakeAppService{apps: make(map[core.AgentID]core.AppRecord)}
}

// UpdateAppScreenshot implements core.AppService.
func (f *FakeAppService) UpdateAppScreenshot(_ context.Context, agentID core.AgentID, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.apps[agentID]
	rec.AgentID = agentID
	rec.ScreenshotURL = url
	rec.UpdatedAt = time.Now()
	f.apps[agentID] = rec
	return nil
}

// GetApp implements core.AppService.
func (f *FakeAppService) GetApp(_ context.Context, agentID core.AgentID) (core.AppRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.apps[agentID]
	if !ok {
		return core.AppRecord{}, core.ErrNotFound("app", string(agentID))
	}
	return rec, nil
}

// SaveApp implements core.AppService.
func (f *FakeAppService) SaveApp(_ context.Context, app core.AppRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps[app.AgentID] = app
	return nil
}

var _ core.AppService = (*FakeAppService)(nil)
