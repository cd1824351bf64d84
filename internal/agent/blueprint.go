package agent

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgecode/forge/internal/core"
)

// projectNamePattern is the validation rule for a user-supplied project
// name.
var projectNamePattern = regexp.MustCompile(`^[a-z0-9-_]{3,50}$`)

// slugPattern collapses anything that isn't [a-z0-9] into a single
// hyphen, used by deriveProjectName to turn a blueprint title into a
// slug.
var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// UpdateBlueprint applies updates to the Blueprint, honoring only the
// fixed field allow-list in core.BlueprintMutableFields; any other key
// is silently ignored. ProjectName and
// InitialPhase are never mutable through this path.
func (a *Agent) UpdateBlueprint(ctx context.Context, updates map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, value := range updates {
		if _, allowed := core.BlueprintMutableFields[key]; !allowed {
			continue
		}
		switch key {
		case "title":
			if s, ok := value.(string); ok {
				a.state.Blueprint.Title = s
			}
		case "description":
			if s, ok := value.(string); ok {
				a.state.Blueprint.Description = s
			}
		case "detailedDescription":
			if s, ok := value.(string); ok {
				a.state.Blueprint.DetailedDescription = s
			}
		case "userFlow":
			if s, ok := value.(string); ok {
				a.state.Blueprint.UserFlow = s
			}
		case "dataFlow":
			if s, ok := value.(string); ok {
				a.state.Blueprint.DataFlow = s
			}
		case "architecture":
			if s, ok := value.(string); ok {
				a.state.Blueprint.Architecture = s
			}
		case "colorPalette":
			if ss, ok := asStringSlice(value); ok {
				a.state.Blueprint.ColorPalette = ss
			}
		case "views":
			if ss, ok := asStringSlice(value); ok {
				a.state.Blueprint.Views = ss
			}
		case "pitfalls":
			if ss, ok := asStringSlice(value); ok {
				a.state.Blueprint.Pitfalls = ss
			}
		case "frameworks":
			if ss, ok := asStringSlice(value); ok {
				a.state.Blueprint.Frameworks = ss
			}
		case "implementationRoadmap":
			if ss, ok := asStringSlice(value); ok {
				a.state.Blueprint.ImplementationRoadmap = ss
			}
		}
	}
	a.state.UpdatedAt = time.Now()
	return nil
}

func asStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// UpdateProjectName validates and sets a user-supplied project name
//. Unlike UpdateBlueprint this is
// a dedicated operation since ProjectName is not in the mutable-fields
// allow-list.
func (a *Agent) UpdateProjectName(name string) error {
	if !projectNamePattern.MatchString(name) {
		return core.ErrValidation("INVALID_PROJECT_NAME", "project name must match ^[a-z0-9-_]{3,50}$")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Blueprint.ProjectName = name
	return nil
}

// deriveProjectName slugifies title, truncates it to 20 characters, and
// appends a fresh short suffix so two agents with the same title never
// collide. agentID is accepted for API stability but no longer
// participates in the suffix, which must be fresh per call.
func deriveProjectName(title, agentID string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if slug == "" {
		slug = "app"
	}
	if len(slug) > 20 {
		slug = strings.Trim(slug[:20], "-")
	}
	return slug + "-" + freshSuffix()
}

// freshSuffix generates a short random disambiguator, standing in for
// the nanoid the source uses.
func freshSuffix() string {
	return strconv.FormatUint(uint64(uuid.New().ID()), 36)
}
