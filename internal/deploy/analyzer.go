package deploy

import (
	"bufio"
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/forgecode/forge/internal/core"
)

// SandboxAnalyzer runs the project's own lint and typecheck commands
// inside the sandbox and parses their stdout/stderr into a
// StaticAnalysisResult. The exact commands and rule sets are left to
// the deployed template; this implementation only fixes the two
// generic command names and a permissive "file:line:col: message" line
// shape common to eslint and tsc.
type SandboxAnalyzer struct {
	Sandbox        core.Sandbox
	LintCommand    []string
	TypecheckCmd   []string
	CommandCwd     string
	CommandTimeout time.Duration
}

// NewSandboxAnalyzer builds a SandboxAnalyzer with sensible default
// commands (npm-script "lint"/"typecheck"), overridable per template.
func NewSandboxAnalyzer(sandbox core.Sandbox) *SandboxAnalyzer {
	return &SandboxAnalyzer{
		Sandbox:        sandbox,
		LintCommand:    []string{"bun", "run", "lint"},
		TypecheckCmd:   []string{"bun", "run", "typecheck"},
		CommandTimeout: 2 * time.Minute,
	}
}

var _ StaticAnalyzer = (*SandboxAnalyzer)(nil)

// issueLinePattern matches "path/to/file.ts:12:4: message" and its
// common variants ("path(12,4): message" from tsc's default reporter
// is normalized upstream by template tooling to this shape).
var issueLinePattern = regexp.MustCompile(`^(?P<file>[^\s:][^:]*):(?P<line>\d+):(?P<col>\d+):?\s*(?P<msg>.+)$`)

func (a *SandboxAnalyzer) Analyze(ctx context.Context, files []core.FileState) (core.StaticAnalysisResult, error) {
	var result core.StaticAnalysisResult

	if len(a.LintCommand) > 0 {
		res, err := a.Sandbox.Exec(ctx, a.LintCommand, core.ExecOptions{Cwd: a.CommandCwd, Timeout: a.timeout()})
		if err == nil {
			result.Lint = parseIssueLines(res.Stdout + res.Stderr)
		}
	}
	if len(a.TypecheckCmd) > 0 {
		res, err := a.Sandbox.Exec(ctx, a.TypecheckCmd, core.ExecOptions{Cwd: a.CommandCwd, Timeout: a.timeout()})
		if err == nil {
			result.Typecheck = parseIssueLines(res.Stdout + res.Stderr)
		}
	}
	return result, nil
}

func (a *SandboxAnalyzer) timeout() time.Duration {
	if a.CommandTimeout > 0 {
		return a.CommandTimeout
	}
	return 2 * time.Minute
}

func parseIssueLines(output string) []core.LintIssue {
	var issues []core.LintIssue
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		m := issueLinePattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		issues = append(issues, core.LintIssue{
			File:     m[1],
			Line:     line,
			Col:      col,
			Message:  m[4],
			Severity: "error",
		})
	}
	return issues
}
