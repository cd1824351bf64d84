package operations

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgecode/forge/internal/core"
)

// fileBlockDelim is this implementation's wire format for LLM responses
// that must yield multiple files: a sequence of
//
//	---FILE: <path>---
//	<contents>
//	---END---
//
// blocks, kept trivial to parse so the operations stay small pure
// functions over the LLMClient port.
const fileBlockDelim = "---FILE: "

// NewLLMBacked builds a Registry whose operations are backed by llm,
// the opaque LLM collaborator. Each operation assembles a short system
// prompt, calls the LLM, and parses its own narrow slice of the
// response.
func NewLLMBacked(llm core.LLMClient) *Registry {
	r := New()
	r.BlueprintGen = blueprintGen(llm)
	r.GenerateNextPhase = generateNextPhase(llm)
	r.ImplementPhase = implementPhase(llm)
	r.FileRegen = fileRegen(llm)
	r.FastFixer = fastFixer(llm)
	r.SimpleCodeGen = simpleCodeGen(llm)
	r.UserConversationProcessor = userConversationProcessor(llm)
	r.ProjectSetupAssistant = projectSetupAssistant(llm)
	return r
}

func blueprintGen(llm core.LLMClient) BlueprintGenFunc {
	return func(ctx context.Context, in BlueprintGenInput) (BlueprintGenOutput, error) {
		req := core.LLMRequest{
			System: "Produce a structured project blueprint (title, description, views, architecture, frameworks, roadmap) for the requested app. Respond in prose; the caller only needs your final description text.",
			Messages: []core.ConversationMessage{
				{Role: core.RoleUser, Content: fmt.Sprintf("Template: %s\nRequest: %s", in.TemplateName, in.Query)},
			},
		}
		text, err := llm.Stream(ctx, req, func(c core.LLMChunk) {
			if in.OnChunk != nil && !c.Done {
				in.OnChunk(c.Text)
			}
		})
		if err != nil {
			return BlueprintGenOutput{}, fmt.Errorf("blueprint generation: %w", err)
		}
		return BlueprintGenOutput{Blueprint: core.Blueprint{
			Title:       firstLine(text),
			Description: text,
		}}, nil
	}
}

func generateNextPhase(llm core.LLMClient) GenerateNextPhaseFunc {
	return func(ctx context.Context, in GenerateNextPhaseInput) (GenerateNextPhaseOutput, error) {
		req := core.LLMRequest{
			System: "Given the completed phases and outstanding issues, propose exactly one more bounded phase of work, or reply with the single word DONE if the project is complete.",
			Messages: []core.ConversationMessage{
				{Role: core.RoleUser, Content: phaseGenPrompt(in)},
			},
		}
		text, err := llm.Complete(ctx, req)
		if err != nil {
			return GenerateNextPhaseOutput{}, fmt.Errorf("generating next phase: %w", err)
		}
		if strings.TrimSpace(strings.ToUpper(text)) == "DONE" {
			return GenerateNextPhaseOutput{Phase: nil}, nil
		}
		return GenerateNextPhaseOutput{Phase: &core.PhaseConcept{
			Name:        firstLine(text),
			Description: text,
		}}, nil
	}
}

func phaseGenPrompt(in GenerateNextPhaseInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", in.Blueprint.Title)
	fmt.Fprintf(&b, "Completed phases: %d\n", len(in.CompletedPhases))
	if len(in.RuntimeErrors) > 0 {
		fmt.Fprintf(&b, "Runtime errors pending: %d\n", len(in.RuntimeErrors))
	}
	if len(in.Issues.Lint)+len(in.Issues.Typecheck) > 0 {
		fmt.Fprintf(&b, "Lint/typecheck issues pending: %d\n", len(in.Issues.Lint)+len(in.Issues.Typecheck))
	}
	if in.UserContext != "" {
		fmt.Fprintf(&b, "User context: %s\n", in.UserContext)
	}
	return b.String()
}

func implementPhase(llm core.LLMClient) ImplementPhaseFunc {
	return func(ctx context.Context, in ImplementPhaseInput) (ImplementPhaseOutput, error) {
		req := core.LLMRequest{
			System: "Implement the described phase. Emit each file as a block:\n---FILE: <path>---\n<contents>\n---END---",
			Messages: []core.ConversationMessage{
				{Role: core.RoleUser, Content: fmt.Sprintf("Phase: %s\n%s", in.Phase.Name, in.Phase.Description)},
			},
		}
		var buf strings.Builder
		_, err := llm.Stream(ctx, req, func(c core.LLMChunk) {
			if !c.Done {
				buf.WriteString(c.Text)
			}
		})
		if err != nil {
			return ImplementPhaseOutput{}, fmt.Errorf("implementing phase %q: %w", in.Phase.Name, err)
		}
		files := parseFileBlocks(buf.String())
		for i, f := range files {
			if in.OnFileChunk != nil {
				in.OnFileChunk(f.Path, f.Contents)
			}
			files[i] = f
		}
		return ImplementPhaseOutput{Files: files, Commands: in.Phase.InstallCommands}, nil
	}
}

func fileRegen(llm core.LLMClient) FileRegenFunc {
	return func(ctx context.Context, in FileRegenInput) (FileRegenOutput, error) {
		req := core.LLMRequest{
			System: "Rewrite the given file to resolve the described issue. Respond with only the new file contents.",
			Messages: []core.ConversationMessage{
				{Role: core.RoleUser, Content: fmt.Sprintf("Path: %s\nPurpose: %s\nIssue: %s\nCurrent contents:\n%s", in.Path, in.Purpose, in.Issue, in.CurrentContents)},
			},
		}
		text, err := llm.Complete(ctx, req)
		if err != nil {
			return FileRegenOutput{}, fmt.Errorf("regenerating %s (attempt %d): %w", in.Path, in.RetryIndex, err)
		}
		return FileRegenOutput{File: core.FileState{Path: in.Path, Contents: text, Purpose: in.Purpose}}, nil
	}
}

func fastFixer(llm core.LLMClient) FastFixerFunc {
	return func(ctx context.Context, in FastFixerInput) (FastFixerOutput, error) {
		req := core.LLMRequest{
			System: "Fix the given files to resolve all listed lint/typecheck issues. Emit each changed file as:\n---FILE: <path>---\n<contents>\n---END---",
			Messages: []core.ConversationMessage{
				{Role: core.RoleUser, Content: fastFixerPrompt(in)},
			},
		}
		text, err := llm.Complete(ctx, req)
		if err != nil {
			return FastFixerOutput{}, fmt.Errorf("fast fixer: %w", err)
		}
		return FastFixerOutput{Files: parseFileBlocks(text)}, nil
	}
}

func fastFixerPrompt(in FastFixerInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d files, %d lint issues, %d typecheck issues.\n", len(in.Files), len(in.Issues.Lint), len(in.Issues.Typecheck))
	for _, issue := range in.Issues.Typecheck {
		fmt.Fprintf(&b, "%s:%d: %s\n", issue.File, issue.Line, issue.Message)
	}
	return b.String()
}

func simpleCodeGen(llm core.LLMClient) SimpleCodeGenFunc {
	return func(ctx context.Context, in SimpleCodeGenInput) (SimpleCodeGenOutput, error) {
		req := core.LLMRequest{
			System: "Respond with file blocks as:\n---FILE: <path>---\n<contents>\n---END---",
			Messages: []core.ConversationMessage{
				{Role: core.RoleUser, Content: in.Prompt},
			},
		}
		text, err := llm.Complete(ctx, req)
		if err != nil {
			return SimpleCodeGenOutput{}, fmt.Errorf("simple code gen: %w", err)
		}
		return SimpleCodeGenOutput{Files: parseFileBlocks(text)}, nil
	}
}

func userConversationProcessor(llm core.LLMClient) UserConversationProcessorFunc {
	return func(ctx context.Context, in UserConversationInput) (UserConversationOutput, error) {
		req := core.LLMRequest{
			System:   "You are the project assistant. Answer the user's message concisely.",
			Messages: append(append([]core.ConversationMessage{}, in.History...), core.ConversationMessage{Role: core.RoleUser, Content: in.UserText}),
		}
		text, err := llm.Complete(ctx, req)
		if err != nil {
			return UserConversationOutput{}, fmt.Errorf("processing user message: %w", err)
		}
		return UserConversationOutput{Response: text}, nil
	}
}

func projectSetupAssistant(llm core.LLMClient) ProjectSetupAssistantFunc {
	return func(ctx context.Context, in ProjectSetupAssistantInput) (ProjectSetupAssistantOutput, error) {
		req := core.LLMRequest{
			System: "An install command failed. Propose up to 3 alternative commands, one per line, most likely first.",
			Messages: []core.ConversationMessage{
				{Role: core.RoleUser, Content: fmt.Sprintf("Command: %s\nOutput: %s", in.FailedCommand, in.ErrorOutput)},
			},
		}
		text, err := llm.Complete(ctx, req)
		if err != nil {
			return ProjectSetupAssistantOutput{}, fmt.Errorf("project setup assistant: %w", err)
		}
		var cmds []string
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				cmds = append(cmds, line)
			}
		}
		return ProjectSetupAssistantOutput{AlternativeCommands: cmds}, nil
	}
}

// parseFileBlocks decodes this implementation's "---FILE: path---\n...\n
// ---END---" wire format into FileStates. Malformed blocks are skipped.
func parseFileBlocks(text string) []core.FileState {
	var files []core.FileState
	rest := text
	for {
		start := strings.Index(rest, fileBlockDelim)
		if start == -1 {
			break
		}
		rest = rest[start+len(fileBlockDelim):]
		headerEnd := strings.Index(rest, "---\n")
		if headerEnd == -1 {
			break
		}
		path := strings.TrimSpace(rest[:headerEnd])
		rest = rest[headerEnd+len("---\n"):]
		end := strings.Index(rest, "---END---")
		if end == -1 {
			files = append(files, core.FileState{Path: path, Contents: strings.TrimSuffix(rest, "\n")})
			break
		}
		contents := strings.TrimSuffix(rest[:end], "\n")
		files = append(files, core.FileState{Path: path, Contents: contents})
		rest = rest[end+len("---END---"):]
	}
	return files
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
