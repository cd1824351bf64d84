package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/operations"
)

// commandChunkSize and commandRetryLimit bound command chunking:
// commands run in small batches with a bounded retry count, so one bad
// command in a long list doesn't waste the whole batch's worth of
// sandbox exec time.
const (
	commandChunkSize  = 5
	commandRetryLimit = 3
)

// runCommandsNoRetry executes cmds once, in chunks, without retrying
// failures.
func (a *Agent) runCommandsNoRetry(ctx context.Context, cmds []string) {
	for _, chunk := range chunkCommands(cmds, commandChunkSize) {
		for _, cmd := range chunk {
			a.execTracked(ctx, cmd)
		}
	}
}

// runCommandsWithRetry is used for the template's install commands
// during initialization: each chunk is retried up to commandRetryLimit
// times, and a persistent install failure is escalated to the
// ProjectSetupAssistant operation for an alternative command list.
func (a *Agent) runCommandsWithRetry(ctx context.Context, cmds []string) {
	for _, chunk := range chunkCommands(cmds, commandChunkSize) {
		for _, cmd := range chunk {
			var lastErr error
			for attempt := 0; attempt < commandRetryLimit; attempt++ {
				res, err := a.execTracked(ctx, cmd)
				if err == nil && res.ExitCode == 0 {
					lastErr = nil
					break
				}
				if err != nil {
					lastErr = err
				} else {
					lastErr = fmt.Errorf("exit code %d: %s", res.ExitCode, res.Stderr)
				}
			}
			if lastErr != nil && looksLikeInstallCommand(cmd) && a.ops.ProjectSetupAssistant != nil {
				a.retryWithAlternatives(ctx, cmd, lastErr.Error())
			}
		}
	}
}

func (a *Agent) retryWithAlternatives(ctx context.Context, failedCmd, output string) {
	out, err := a.ops.ProjectSetupAssistant(ctx, operations.ProjectSetupAssistantInput{
		FailedCommand: failedCmd,
		ErrorOutput:   output,
	})
	if err != nil {
		a.logger.Warn("project setup assistant failed", "command", failedCmd, "error", err)
		return
	}
	for _, alt := range out.AlternativeCommands {
		res, err := a.execTracked(ctx, alt)
		if err == nil && res.ExitCode == 0 {
			return
		}
	}
}

func (a *Agent) execTracked(ctx context.Context, cmd string) (core.ExecResult, error) {
	_ = a.broadcast(ctx, core.MsgCommandExecuting, cmd)
	a.appendCommandHistory(cmd)
	return a.sandbox.Exec(ctx, []string{"sh", "-c", cmd}, core.ExecOptions{})
}

// appendCommandHistory records cmd, filtering out commands whose
// substitution left a literal "undefined" in them (a sign the phase
// generator emitted a broken template) and de-duplicating consecutive
// repeats.
func (a *Agent) appendCommandHistory(cmd string) {
	if strings.Contains(cmd, "undefined") {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.state.CommandHistory); n > 0 && a.state.CommandHistory[n-1] == cmd {
		return
	}
	a.state.CommandHistory = append(a.state.CommandHistory, cmd)
}

func chunkCommands(cmds []string, size int) [][]string {
	var chunks [][]string
	for size > 0 && len(cmds) > 0 {
		if len(cmds) <= size {
			chunks = append(chunks, cmds)
			break
		}
		chunks = append(chunks, cmds[:size])
		cmds = cmds[size:]
	}
	return chunks
}

var installCommandPattern = regexp.MustCompile(`\b(install|add)\b`)

func looksLikeInstallCommand(cmd string) bool {
	return installCommandPattern.MatchString(cmd)
}

var packageManifestCommandPattern = regexp.MustCompile(`\b(install|add|remove|uninstall)\b`)

// anyLooksLikePackageManifestCommand reports whether any command in cmds
// could plausibly have changed package.json, gating the sandbox re-read
// in syncPackageManifest to only the commands the spec names.
func anyLooksLikePackageManifestCommand(cmds []string) bool {
	for _, cmd := range cmds {
		if packageManifestCommandPattern.MatchString(cmd) {
			return true
		}
	}
	return false
}

// syncPackageManifest re-reads package.json from the sandbox after any
// command that looks like it could have changed dependencies, and
// commits the change when it differs from the last known contents.
func (a *Agent) syncPackageManifest(ctx context.Context) {
	a.mu.Lock()
	last := a.state.LastPackageJSON
	a.mu.Unlock()

	data, err := a.sandbox.ReadFile(ctx, "package.json")
	if err != nil {
		return
	}
	contents := string(data)
	if contents == last {
		return
	}

	saved, err := a.files.SaveMany(ctx, []core.FileState{{Path: "package.json", Contents: contents}}, "chore: sync package.json dependencies from sandbox")
	if err != nil {
		a.logger.Warn("committing package.json", "error", err)
		return
	}
	a.mu.Lock()
	a.state.LastPackageJSON = contents
	if len(saved) > 0 {
		a.state.Files["package.json"] = saved[0]
	}
	a.mu.Unlock()
	_ = a.broadcast(ctx, core.MsgFileGenerated, "package.json")
}
