// Package llmclient provides a concrete core.LLMClient that shells out
// to a locally installed LLM CLI binary, the same subprocess idiom used
// to drive "claude", "codex", "gemini" etc. as coding agents:
// exec.CommandContext with a resolved, validated binary path, piped
// stdout read line-by-line for streaming, buffered stderr for
// diagnostics, no shell interpolation.
//
// The LLM provider is treated as an opaque collaborator with no fixed
// prompt/wire contract; this package only has to honor the narrow
// core.LLMClient.Complete/Stream call shape, so a prompt-over-stdin,
// text-over-stdout CLI adapter is a faithful, minimal concrete
// implementation.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/forgecode/forge/internal/core"
)

// Config configures a CLI-backed LLMClient.
type Config struct {
	// Path is the CLI binary to invoke, resolved via exec.LookPath.
	// Defaults to "claude".
	Path string
	// Args are extra arguments appended after the model flag.
	Args []string
	// Timeout bounds a single Complete/Stream call. Defaults to 3 minutes.
	Timeout time.Duration
}

// defaultTimeout bounds a Complete/Stream call when Config.Timeout is unset.
const defaultTimeout = 3 * time.Minute

// Client is a core.LLMClient backed by a subprocess CLI.
type Client struct {
	path    string
	args    []string
	timeout time.Duration
}

// New resolves cfg.Path via exec.LookPath and returns a Client, or an
// error if the binary is not on PATH.
func New(cfg Config) (*Client, error) {
	path := cfg.Path
	if path == "" {
		path = "claude"
	}
	parts := strings.Fields(path)
	resolved, err := exec.LookPath(parts[0])
	if err != nil {
		return nil, fmt.Errorf("locating LLM CLI %q: %w", parts[0], err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{path: resolved, args: append(parts[1:], cfg.Args...), timeout: timeout}, nil
}

var _ core.LLMClient = (*Client)(nil)

// Complete runs the CLI once and returns its full stdout.
func (c *Client) Complete(ctx context.Context, req core.LLMRequest) (string, error) {
	var out strings.Builder
	_, err := c.Stream(ctx, req, func(chunk core.LLMChunk) {
		out.WriteString(chunk.Text)
	})
	return out.String(), err
}

// Stream runs the CLI, feeding it the rendered prompt over stdin and
// reading stdout line-by-line, invoking onChunk per line as it
// arrives.
func (c *Client) Stream(ctx context.Context, req core.LLMRequest, onChunk func(core.LLMChunk)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// #nosec G204 -- path is resolved via exec.LookPath, never a raw user string
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdin = strings.NewReader(renderPrompt(req))
	cmd.Env = append(os.Environ(), "FORGE_LLM_MANAGED=true")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("creating stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		return "", fmt.Errorf("starting LLM CLI: %w", err)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		full.WriteString(line)
		full.WriteByte('\n')
		if onChunk != nil {
			onChunk(core.LLMChunk{Text: line + "\n"})
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if onChunk != nil {
		onChunk(core.LLMChunk{Done: true})
	}
	if waitErr != nil {
		return full.String(), fmt.Errorf("LLM CLI exited: %w: %s", waitErr, stderr.String())
	}
	if scanErr != nil {
		return full.String(), fmt.Errorf("reading LLM CLI output: %w", scanErr)
	}
	return full.String(), nil
}

func renderPrompt(req core.LLMRequest) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString("System: ")
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	for _, m := range req.Messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
