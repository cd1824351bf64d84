package operations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/operations"
	"github.com/forgecode/forge/internal/testutil"
)

func TestNewLLMBacked_WiresEveryOperation(t *testing.T) {
	r := operations.NewLLMBacked(testutil.NewMockLLMClient())

	assert.NotNil(t, r.BlueprintGen)
	assert.NotNil(t, r.GenerateNextPhase)
	assert.NotNil(t, r.ImplementPhase)
	assert.NotNil(t, r.FileRegen)
	assert.NotNil(t, r.FastFixer)
	assert.NotNil(t, r.SimpleCodeGen)
	assert.NotNil(t, r.UserConversationProcessor)
	assert.NotNil(t, r.ProjectSetupAssistant)
}

func TestBlueprintGen_StreamsChunksAndSetsTitle(t *testing.T) {
	llm := testutil.NewMockLLMClient().WithStreamChunks("Todo App\n", "A simple todo list.")
	r := operations.NewLLMBacked(llm)

	var chunks []string
	out, err := r.BlueprintGen(context.Background(), operations.BlueprintGenInput{
		Query:        "build a todo list",
		TemplateName: "react-vite",
		OnChunk:      func(c string) { chunks = append(chunks, c) },
	})

	require.NoError(t, err)
	assert.Equal(t, "Todo App", out.Blueprint.Title)
	assert.Len(t, chunks, 2)
}

func TestGenerateNextPhase_Done(t *testing.T) {
	llm := testutil.NewMockLLMClient().WithCompleteResponse("done")
	r := operations.NewLLMBacked(llm)

	out, err := r.GenerateNextPhase(context.Background(), operations.GenerateNextPhaseInput{})
	require.NoError(t, err)
	assert.Nil(t, out.Phase)
}

func TestGenerateNextPhase_ProposesPhase(t *testing.T) {
	llm := testutil.NewMockLLMClient().WithCompleteResponse("Add auth\nWire up login/signup flows.")
	r := operations.NewLLMBacked(llm)

	out, err := r.GenerateNextPhase(context.Background(), operations.GenerateNextPhaseInput{
		Blueprint: core.Blueprint{Title: "Todo App"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Phase)
	assert.Equal(t, "Add auth", out.Phase.Name)
}

func TestImplementPhase_ParsesFileBlocks(t *testing.T) {
	llm := testutil.NewMockLLMClient().WithStreamChunks(
		"---FILE: src/App.tsx---\n",
		"export default function App() {}\n",
		"---END---\n",
	)
	r := operations.NewLLMBacked(llm)

	var gotPaths []string
	out, err := r.ImplementPhase(context.Background(), operations.ImplementPhaseInput{
		Phase:       core.PhaseConcept{Name: "Initial", InstallCommands: []string{"bun install"}},
		OnFileChunk: func(path, _ string) { gotPaths = append(gotPaths, path) },
	})

	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	assert.Equal(t, "src/App.tsx", out.Files[0].Path)
	assert.Contains(t, out.Files[0].Contents, "export default function App")
	assert.Equal(t, []string{"bun install"}, out.Commands)
	assert.Equal(t, []string{"src/App.tsx"}, gotPaths)
}

func TestFileRegen_ReturnsRewrittenContents(t *testing.T) {
	llm := testutil.NewMockLLMClient().WithCompleteResponse("fixed contents")
	r := operations.NewLLMBacked(llm)

	out, err := r.FileRegen(context.Background(), operations.FileRegenInput{
		Path: "src/App.tsx", RetryIndex: 1, Issue: "undefined variable",
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed contents", out.File.Contents)
	assert.Equal(t, "src/App.tsx", out.File.Path)
}

func TestFastFixer_ParsesFixedFiles(t *testing.T) {
	llm := testutil.NewMockLLMClient().WithCompleteResponse("---FILE: a.ts---\nfixed\n---END---")
	r := operations.NewLLMBacked(llm)

	out, err := r.FastFixer(context.Background(), operations.FastFixerInput{
		Issues: core.StaticAnalysisResult{Typecheck: []core.LintIssue{{File: "a.ts", Message: "boom"}}},
	})
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	assert.Equal(t, "a.ts", out.Files[0].Path)
}

func TestProjectSetupAssistant_ParsesAlternatives(t *testing.T) {
	llm := testutil.NewMockLLMClient().WithCompleteResponse("bun install known-pkg\n\nbun add known-pkg")
	r := operations.NewLLMBacked(llm)

	out, err := r.ProjectSetupAssistant(context.Background(), operations.ProjectSetupAssistantInput{
		FailedCommand: "bun install unknown-pkg",
		ErrorOutput:   "404 not found",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bun install known-pkg", "bun add known-pkg"}, out.AlternativeCommands)
}

func TestUserConversationProcessor_ReturnsResponse(t *testing.T) {
	llm := testutil.NewMockLLMClient().WithCompleteResponse("Sure, I can help with that.")
	r := operations.NewLLMBacked(llm)

	out, err := r.UserConversationProcessor(context.Background(), operations.UserConversationInput{
		UserText: "can you add dark mode?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Sure, I can help with that.", out.Response)
}

func TestSimpleCodeGen_ParsesFiles(t *testing.T) {
	llm := testutil.NewMockLLMClient().WithCompleteResponse("---FILE: README.md---\nhello\n---END---")
	r := operations.NewLLMBacked(llm)

	out, err := r.SimpleCodeGen(context.Background(), operations.SimpleCodeGenInput{Prompt: "write a README"})
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	assert.Equal(t, "README.md", out.Files[0].Path)
}

func TestBlueprintGen_PropagatesLLMError(t *testing.T) {
	llm := testutil.NewMockLLMClient().WithStreamError(assertErr)
	r := operations.NewLLMBacked(llm)

	_, err := r.BlueprintGen(context.Background(), operations.BlueprintGenInput{})
	require.Error(t, err)
}

var assertErr = errTest{}

type errTest struct{}

func (errTest) Error() string { return "llm failure" }
