// Package middleware provides HTTP middleware for Forge's API: a
// typed context key carrying a request-scoped resource loaded from a
// pool, with a companion "Require*" guard middleware and 404/503
// status mapping, used here to load a live code-generation Agent.
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgecode/forge/internal/agent"
	"github.com/forgecode/forge/internal/core"
)

type contextKey string

const agentContextKey contextKey = "agent"

// AgentPool is the subset of manager.Manager this middleware needs.
type AgentPool interface {
	GetOrCreate(ctx context.Context, agentID core.AgentID) (*agent.Agent, error)
}

// AgentFromContext retrieves the Agent loaded by AgentContext, or nil.
func AgentFromContext(ctx context.Context) *agent.Agent {
	a, _ := ctx.Value(agentContextKey).(*agent.Agent)
	return a
}

// AgentContext extracts {agentId} from the URL, loads (or creates) the
// corresponding Agent from pool, and attaches it to the request
// context.
//
// Error responses:
//   - 400 Bad Request: agentId missing from URL
//   - 503 Service Unavailable: agent could not be constructed
func AgentContext(pool AgentPool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID := chi.URLParam(r, "agentId")
			if agentID == "" {
				http.Error(w, `{"error":"agentId is required"}`, http.StatusBadRequest)
				return
			}

			a, err := pool.GetOrCreate(r.Context(), core.AgentID(agentID))
			if err != nil {
				logger.Warn("agent context middleware: failed to load agent",
					"agent_id", agentID, "error", err, "path", r.URL.Path)
				http.Error(w, `{"error":"agent unavailable"}`, http.StatusServiceUnavailable)
				return
			}

			ctx := context.WithValue(r.Context(), agentContextKey, a)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
