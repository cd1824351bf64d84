// Package operations implements the set of named, pure-over-context
// operations the Agent core drives the LLM collaborator through. Each
// operation has signature func(ctx, in X) (Y, error) and is held as a
// function value on Registry so production code and tests can
// substitute implementations without touching the Agent's wiring.
package operations

import (
	"context"

	"github.com/forgecode/forge/internal/core"
)

// BlueprintGenInput carries the user's query and starter template name.
type BlueprintGenInput struct {
	Query        string
	TemplateName string
	OnChunk      func(chunk string)
}

// BlueprintGenOutput is the structured plan produced from the query.
type BlueprintGenOutput struct {
	Blueprint core.Blueprint
}

// BlueprintGenFunc produces a project Blueprint from a user query,
// streaming intermediate text through in.OnChunk.
type BlueprintGenFunc func(ctx context.Context, in BlueprintGenInput) (BlueprintGenOutput, error)

// GenerateNextPhaseInput carries everything generateNextPhase needs to
// propose the next PhaseConcept.
type GenerateNextPhaseInput struct {
	Blueprint       core.Blueprint
	CompletedPhases []core.PhaseConcept
	Issues          core.StaticAnalysisResult
	RuntimeErrors   []core.RuntimeError
	UserContext     string // drained pending user inputs + image descriptions
}

// GenerateNextPhaseOutput is the next phase to implement, or a nil Phase
// signaling no further phases (the state machine then moves to
// FINALIZING).
type GenerateNextPhaseOutput struct {
	Phase *core.PhaseConcept
}

// GenerateNextPhaseFunc proposes the next phase of work, or none.
type GenerateNextPhaseFunc func(ctx context.Context, in GenerateNextPhaseInput) (GenerateNextPhaseOutput, error)

// ImplementPhaseInput carries the phase to implement and the current
// file map for context.
type ImplementPhaseInput struct {
	Phase        core.PhaseConcept
	CurrentFiles map[string]core.FileState
	OnFileChunk  func(path, chunk string) // streamed as a lazy sequence of string chunks
}

// ImplementPhaseOutput is the set of files the phase produced plus any
// shell commands the phase wants executed.
type ImplementPhaseOutput struct {
	Files    []core.FileState
	Commands []string
}

// ImplementPhaseFunc streams file generation for one phase.
type ImplementPhaseFunc func(ctx context.Context, in ImplementPhaseInput) (ImplementPhaseOutput, error)

// FileRegenInput carries one file's regeneration request.
type FileRegenInput struct {
	Path            string
	Purpose         string
	CurrentContents string
	Issue           string
	RetryIndex      int
}

// FileRegenOutput is the regenerated file.
type FileRegenOutput struct {
	File core.FileState
}

// FileRegenFunc regenerates a single file in response to an issue.
type FileRegenFunc func(ctx context.Context, in FileRegenInput) (FileRegenOutput, error)

// FastFixerInput carries all relevant files and the current issue set.
type FastFixerInput struct {
	Files  []core.FileState
	Issues core.StaticAnalysisResult
}

// FastFixerOutput is the set of fixed files to save and redeploy.
type FastFixerOutput struct {
	Files []core.FileState
}

// FastFixerFunc applies an LLM-driven fix pass across all relevant files.
type FastFixerFunc func(ctx context.Context, in FastFixerInput) (FastFixerOutput, error)

// SimpleCodeGenInput is a one-shot code generation request used outside
// the phase loop (e.g. README generation during initializeAsync).
type SimpleCodeGenInput struct {
	Prompt string
}

// SimpleCodeGenOutput is the files produced by a one-shot request.
type SimpleCodeGenOutput struct {
	Files []core.FileState
}

// SimpleCodeGenFunc runs a one-shot code generation request.
type SimpleCodeGenFunc func(ctx context.Context, in SimpleCodeGenInput) (SimpleCodeGenOutput, error)

// UserConversationInput carries a user chat turn and recent history.
type UserConversationInput struct {
	History []core.ConversationMessage
	UserText string
}

// UserConversationOutput is the assistant's reply plus any tool calls.
type UserConversationOutput struct {
	Response  string
	ToolCalls []core.ToolCall
}

// UserConversationProcessorFunc answers a user chat turn.
type UserConversationProcessorFunc func(ctx context.Context, in UserConversationInput) (UserConversationOutput, error)

// ProjectSetupAssistantInput carries a failing install command and its
// output.
type ProjectSetupAssistantInput struct {
	FailedCommand string
	ErrorOutput   string
}

// ProjectSetupAssistantOutput is a list of alternative commands to try.
type ProjectSetupAssistantOutput struct {
	AlternativeCommands []string
}

// ProjectSetupAssistantFunc proposes alternative setup commands after a
// failed install.
type ProjectSetupAssistantFunc func(ctx context.Context, in ProjectSetupAssistantInput) (ProjectSetupAssistantOutput, error)

// Registry holds one function value per named operation. The zero value is unusable; build one with New
// and the With* setters, or construct LLM-backed defaults with
// NewLLMBacked.
type Registry struct {
	BlueprintGen              BlueprintGenFunc
	GenerateNextPhase         GenerateNextPhaseFunc
	ImplementPhase            ImplementPhaseFunc
	FileRegen                 FileRegenFunc
	FastFixer                 FastFixerFunc
	SimpleCodeGen             SimpleCodeGenFunc
	UserConversationProcessor UserConversationProcessorFunc
	ProjectSetupAssistant     ProjectSetupAssistantFunc
}

// New creates an empty Registry; callers wire each operation explicitly
// (tests typically only need a handful populated).
func New() *Registry {
	return &Registry{}
}
