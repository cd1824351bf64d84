package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/sandbox"
)

func TestSandboxAnalyzer_ParsesLintAndTypecheckOutput(t *testing.T) {
	sb, err := sandbox.NewLocal(t.TempDir(), "inst-analyzer")
	require.NoError(t, err)

	analyzer := NewSandboxAnalyzer(sb)
	analyzer.LintCommand = []string{"echo", "src/App.tsx:10:3: unused variable 'x'"}
	analyzer.TypecheckCmd = []string{"echo", "src/App.tsx:22:8: type mismatch"}

	result, err := analyzer.Analyze(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, result.Lint, 1)
	assert.Equal(t, "src/App.tsx", result.Lint[0].File)
	assert.Equal(t, 10, result.Lint[0].Line)
	assert.Equal(t, 3, result.Lint[0].Col)
	assert.Contains(t, result.Lint[0].Message, "unused variable")

	require.Len(t, result.Typecheck, 1)
	assert.Equal(t, 22, result.Typecheck[0].Line)
}

func TestSandboxAnalyzer_EmptyCommandsSkip(t *testing.T) {
	sb, err := sandbox.NewLocal(t.TempDir(), "inst-analyzer-2")
	require.NoError(t, err)

	analyzer := &SandboxAnalyzer{Sandbox: sb}
	result, err := analyzer.Analyze(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Lint)
	assert.Empty(t, result.Typecheck)
}

func TestParseIssueLines_IgnoresUnmatchedLines(t *testing.T) {
	output := "Compiling...\nsrc/a.ts:1:1: bad thing\nDone.\n"
	issues := parseIssueLines(output)
	require.Len(t, issues, 1)
	assert.Equal(t, "src/a.ts", issues[0].File)
}
