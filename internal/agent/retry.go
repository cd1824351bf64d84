package agent

import (
	"context"
	"fmt"
	"regexp"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/operations"
)

// maxFileRegenAttempts bounds the per-file regenerate-and-recheck loop.
const maxFileRegenAttempts = 3

// missingModulePattern extracts npm package names out of TypeScript's
// "Cannot find module 'x' or its corresponding type declarations"
// diagnostic (code TS2307), the deterministic half of self-healing.
var missingModulePattern = regexp.MustCompile(`Cannot find module '([^']+)'`)

// deterministicCodeFixes applies fixes that don't need an LLM call:
// missing-module typecheck errors become install commands; everything
// else is regenerated file-by-file via the FileRegen operation, up to
// maxFileRegenAttempts per file.
func (a *Agent) deterministicCodeFixes(ctx context.Context, issues core.StaticAnalysisResult) error {
	missing := map[string]struct{}{}
	remaining := map[string][]core.LintIssue{}
	for _, issue := range issues.Typecheck {
		if issue.Code == "TS2307" {
			if m := missingModulePattern.FindStringSubmatch(issue.Message); len(m) == 2 && looksLikeInstallablePackage(m[1]) {
				missing[m[1]] = struct{}{}
				continue
			}
		}
		remaining[issue.File] = append(remaining[issue.File], issue)
	}
	for _, issue := range issues.Lint {
		remaining[issue.File] = append(remaining[issue.File], issue)
	}

	if len(missing) > 0 {
		var cmds []string
		for pkg := range missing {
			cmds = append(cmds, fmt.Sprintf("bun add %s", pkg))
		}
		a.runCommandsWithRetry(ctx, cmds)
		a.syncPackageManifest(ctx)
	}

	for path, fileIssues := range remaining {
		if err := a.regenerateFileUntilClean(ctx, path, fileIssues); err != nil {
			a.logger.Warn("regenerating file failed", "path", path, "error", err)
		}
	}
	return nil
}

// looksLikeInstallablePackage rejects relative/absolute import
// specifiers (the ones TS2307 also fires on) that a package manager
// can't install.
func looksLikeInstallablePackage(spec string) bool {
	if spec == "" {
		return false
	}
	return spec[0] != '.' && spec[0] != '/'
}

func (a *Agent) regenerateFileUntilClean(ctx context.Context, path string, issues []core.LintIssue) error {
	current, ok := a.files.Get(path)
	if !ok {
		return fmt.Errorf("file %s not found", path)
	}
	issueSummary := summarizeIssues(issues)

	for attempt := 0; attempt < maxFileRegenAttempts; attempt++ {
		_ = a.broadcast(ctx, core.MsgFileRegenerating, path)
		out, err := a.ops.FileRegen(ctx, operations.FileRegenInput{
			Path:            path,
			Purpose:         current.Purpose,
			CurrentContents: current.Contents,
			Issue:           issueSummary,
			RetryIndex:      attempt,
		})
		if err != nil {
			return err
		}
		savedMany, err := a.files.SaveMany(ctx, []core.FileState{out.File}, fmt.Sprintf("fix: regenerate %s", path))
		if err != nil {
			return err
		}
		saved := out.File
		if len(savedMany) > 0 {
			saved = savedMany[0]
		}
		a.mu.Lock()
		a.state.Files[path] = saved
		a.mu.Unlock()
		_ = a.broadcast(ctx, core.MsgFileRegenerated, path)

		result, err := a.deploy.RunStaticAnalysis(ctx, []core.FileState{saved})
		if err != nil {
			return nil // can't verify further; accept this attempt
		}
		if len(result.Lint)+len(result.Typecheck) == 0 {
			return nil
		}
		current = saved
	}
	return nil
}

func summarizeIssues(issues []core.LintIssue) string {
	s := ""
	for _, i := range issues {
		s += fmt.Sprintf("%s:%d: %s\n", i.File, i.Line, i.Message)
	}
	return s
}

// fastFix runs the optional fast smart-fixer operation across all
// relevant files at once, trading precision for a single LLM round
// trip instead of one per file.
func (a *Agent) fastFix(ctx context.Context, issues core.StaticAnalysisResult) error {
	if a.ops.FastFixer == nil {
		return nil
	}
	out, err := a.ops.FastFixer(ctx, operations.FastFixerInput{
		Files:  a.files.RelevantFiles(),
		Issues: issues,
	})
	if err != nil {
		return err
	}
	if len(out.Files) == 0 {
		return nil
	}
	saved, err := a.files.SaveMany(ctx, out.Files, "fix: fast fixer pass")
	if err != nil {
		return err
	}
	a.mu.Lock()
	for _, f := range saved {
		a.state.Files[f.Path] = f
	}
	a.mu.Unlock()
	for _, f := range saved {
		_ = a.broadcast(ctx, core.MsgFileGenerated, f.Path)
	}
	return nil
}
