// Package sandbox implements the abstract command/file/process
// execution surface. The Local backend runs commands under the host
// OS, rooted at one instance directory per sandbox, guarding every
// path argument against traversal: build an explicit argv and run it
// with exec.CommandContext, never a shell.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/forgecode/forge/internal/core"
)

// ErrPathTraversal is returned whenever a caller-supplied path contains
// a ".." segment.
var ErrPathTraversal = core.ErrSecurity(core.CodePathTraversal, "path traversal attempt")

// Local is a Sandbox backend that executes commands on the local host,
// rooted at baseDir/<instanceId>.
type Local struct {
	baseDir string

	mu       sync.Mutex
	instance core.SandboxInstanceMetadata
	procs    map[core.ProcessHandle]*process
	ports    map[int]struct{}
	env      map[string]string
}

type process struct {
	cmd     *exec.Cmd
	command string
	cwd     string
	done    chan struct{}
}

// NewLocal creates a Local sandbox rooted at baseDir/instanceID,
// creating the directory if needed.
func NewLocal(baseDir, instanceID string) (*Local, error) {
	root := filepath.Join(baseDir, instanceID)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating instance directory: %w", err)
	}
	return &Local{
		baseDir: root,
		instance: core.SandboxInstanceMetadata{
			InstanceID: instanceID,
			StartedAt:  time.Now(),
		},
		procs: make(map[core.ProcessHandle]*process),
		ports: make(map[int]struct{}),
		env:   make(map[string]string),
	}, nil
}

var _ core.Sandbox = (*Local)(nil)

func (l *Local) guardedPath(p string) (string, error) {
	if strings.Contains(p, "..") {
		return "", ErrPathTraversal
	}
	clean := filepath.Clean("/" + p)
	return filepath.Join(l.baseDir, clean), nil
}

// Exec runs cmd (argv form, never via a shell) with instance's root as
// the default working directory.
func (l *Local) Exec(ctx context.Context, cmd []string, opts core.ExecOptions) (core.ExecResult, error) {
	if len(cmd) == 0 {
		return core.ExecResult{}, core.ErrValidation("EMPTY_COMMAND", "command must not be empty")
	}
	cwd := l.baseDir
	if opts.Cwd != "" {
		resolved, err := l.guardedPath(opts.Cwd)
		if err != nil {
			return core.ExecResult{}, err
		}
		cwd = resolved
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	c.Dir = cwd
	c.Env = mergedEnv(l.env, opts.Env)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := core.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		result.ExitCode = 0
		return result, nil
	}
	var exitErr *exec.ExitError
	if ok := errorsAs(err, &exitErr); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("executing %v: %w", cmd, err)
}

func errorsAs(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func mergedEnv(base, overrides map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// WriteFile atomically writes bytes to a guarded path.
func (l *Local) WriteFile(ctx context.Context, path string, data []byte) error {
	full, err := l.guardedPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("creating parent dirs: %w", err)
	}
	return renameio.WriteFile(full, data, 0o644)
}

func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	full, err := l.guardedPath(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (l *Local) DeleteFile(ctx context.Context, path string) error {
	full, err := l.guardedPath(path)
	if err != nil {
		return err
	}
	return os.RemoveAll(full)
}

// StartProcess detaches a long-running process and returns its handle.
func (l *Local) StartProcess(ctx context.Context, cmd []string, opts core.ExecOptions) (core.ProcessHandle, error) {
	if len(cmd) == 0 {
		return "", core.ErrValidation("EMPTY_COMMAND", "command must not be empty")
	}
	cwd := l.baseDir
	if opts.Cwd != "" {
		resolved, err := l.guardedPath(opts.Cwd)
		if err != nil {
			return "", err
		}
		cwd = resolved
	}

	c := exec.Command(cmd[0], cmd[1:]...)
	c.Dir = cwd
	c.Env = mergedEnv(l.env, opts.Env)
	if err := c.Start(); err != nil {
		return "", fmt.Errorf("starting process: %w", err)
	}

	id := core.ProcessHandle(fmt.Sprintf("proc-%d", c.Process.Pid))
	p := &process{cmd: c, command: strings.Join(cmd, " "), cwd: cwd, done: make(chan struct{})}

	l.mu.Lock()
	l.procs[id] = p
	l.instance.ProcessID = string(id)
	l.mu.Unlock()

	go func() {
		_ = c.Wait()
		close(p.done)
	}()

	return id, nil
}

func (l *Local) GetProcess(id core.ProcessHandle) (core.ProcessInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[id]
	if !ok {
		return core.ProcessInfo{}, false
	}
	running := true
	select {
	case <-p.done:
		running = false
	default:
	}
	return core.ProcessInfo{ID: id, Command: p.command, Cwd: p.cwd, Running: running}, true
}

func (l *Local) KillProcess(id core.ProcessHandle) error {
	l.mu.Lock()
	p, ok := l.procs[id]
	l.mu.Unlock()
	if !ok {
		return core.ErrNotFound("process", string(id))
	}
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (l *Local) ListProcesses() []core.ProcessInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.ProcessInfo, 0, len(l.procs))
	for id, p := range l.procs {
		running := true
		select {
		case <-p.done:
			running = false
		default:
		}
		out = append(out, core.ProcessInfo{ID: id, Command: p.command, Cwd: p.cwd, Running: running})
	}
	return out
}

func (l *Local) ExposePort(port int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ports[port] = struct{}{}
	l.instance.Port = port
	url := fmt.Sprintf("http://localhost:%d", port)
	l.instance.PreviewURL = url
	return url, nil
}

func (l *Local) UnexposePort(port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ports, port)
	return nil
}

func (l *Local) SetEnvVars(vars map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range vars {
		l.env[k] = v
	}
	return nil
}

func (l *Local) GetExposedPorts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, 0, len(l.ports))
	for p := range l.ports {
		out = append(out, p)
	}
	return out
}

// Deploy writes files into the instance directory; this is the
// composite operation the Deployment Manager drives.
func (l *Local) Deploy(ctx context.Context, files []core.FileState, instance core.SandboxInstanceMetadata) (core.SandboxInstanceMetadata, error) {
	for _, f := range files {
		if err := l.WriteFile(ctx, f.Path, []byte(f.Contents)); err != nil {
			return core.SandboxInstanceMetadata{}, fmt.Errorf("deploying %s: %w", f.Path, err)
		}
	}
	l.mu.Lock()
	instance.InstanceID = l.instance.InstanceID
	instance.StartedAt = l.instance.StartedAt
	l.instance = instance
	l.mu.Unlock()
	return instance, nil
}
