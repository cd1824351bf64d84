package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apimw "github.com/forgecode/forge/internal/api/middleware"
	"github.com/forgecode/forge/internal/core"
)

// createAgentRequest is the body of POST /api/v1/agents.
type createAgentRequest struct {
	HostName string `json:"hostName"`
	UserID   string `json:"userId"`
}

type createAgentResponse struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	agentID := uuid.NewString()
	sessionID := uuid.NewString()

	if _, err := s.agents.GetOrCreate(r.Context(), core.AgentID(agentID)); err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, createAgentResponse{AgentID: agentID, SessionID: sessionID})
}

type initializeAgentRequest struct {
	SessionID    string `json:"sessionId"`
	HostName     string `json:"hostName"`
	UserID       string `json:"userId"`
	Query        string `json:"query"`
	TemplateName string `json:"templateName"`
	Behavior     string `json:"behavior"`
}

func (s *Server) handleInitializeAgent(w http.ResponseWriter, r *http.Request) {
	a := apimw.AgentFromContext(r.Context())

	var req initializeAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, core.ErrValidation("INVALID_BODY", "could not decode request body"))
		return
	}
	if req.Query == "" {
		respondError(w, core.ErrValidation("MISSING_QUERY", "query is required"))
		return
	}

	behavior := core.BehaviorPhasic
	if req.Behavior == string(core.BehaviorAgentic) {
		behavior = core.BehaviorAgentic
	}

	identity := core.Identity{
		AgentID:   core.AgentID(chi.URLParam(r, "agentId")),
		SessionID: core.SessionID(req.SessionID),
		HostName:  req.HostName,
		UserID:    req.UserID,
	}

	if err := a.Initialize(r.Context(), identity, behavior, req.Query, req.TemplateName); err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, agentStateView(a))
}

func (s *Server) handleGetAgentState(w http.ResponseWriter, r *http.Request) {
	a := apimw.AgentFromContext(r.Context())
	state := a.State()
	if state == nil {
		respondError(w, core.ErrNotFound("agent_state", chi.URLParam(r, "agentId")))
		return
	}
	respondJSON(w, http.StatusOK, agentStateView(a))
}

func (s *Server) handleGenerateAllFiles(w http.ResponseWriter, r *http.Request) {
	a := apimw.AgentFromContext(r.Context())
	go func() {
		if err := a.GenerateAllFiles(r.Context()); err != nil {
			s.logger.Error("generate all files failed", "agent_id", chi.URLParam(r, "agentId"), "error", err)
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleCancelAgent(w http.ResponseWriter, r *http.Request) {
	a := apimw.AgentFromContext(r.Context())
	a.Cancel()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleUpdateBlueprint(w http.ResponseWriter, r *http.Request) {
	a := apimw.AgentFromContext(r.Context())

	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		respondError(w, core.ErrValidation("INVALID_BODY", "could not decode request body"))
		return
	}
	if err := a.UpdateBlueprint(r.Context(), updates); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agentStateView(a))
}

type queueMessageRequest struct {
	Text   string              `json:"text"`
	Images []core.PendingImage `json:"images"`
}

func (s *Server) handleQueueMessage(w http.ResponseWriter, r *http.Request) {
	a := apimw.AgentFromContext(r.Context())

	var req queueMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, core.ErrValidation("INVALID_BODY", "could not decode request body"))
		return
	}
	a.QueueUserRequest(req.Text, req.Images)
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type chatTurnRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleProcessChatTurn(w http.ResponseWriter, r *http.Request) {
	a := apimw.AgentFromContext(r.Context())

	var req chatTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, core.ErrValidation("INVALID_BODY", "could not decode request body"))
		return
	}
	reply, err := a.ProcessUserMessage(r.Context(), req.Text)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"response": reply})
}

type exportRequest struct {
	RepoURL       string `json:"repoUrl"`
	Token         string `json:"token"`
	DefaultBranch string `json:"defaultBranch"`
}

func (s *Server) handleGitHubExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		respondError(w, core.ErrUnavailable(core.CodeSandboxUnavailable, "github export is not configured"))
		return
	}
	a := apimw.AgentFromContext(r.Context())

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, core.ErrValidation("INVALID_BODY", "could not decode request body"))
		return
	}
	if req.RepoURL == "" {
		respondError(w, core.ErrValidation("MISSING_REPO_URL", "repoUrl is required"))
		return
	}

	objects, err := a.Workspace().ExportObjects(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	result, err := s.exporter.Export(r.Context(), core.ExportInput{
		Objects:       objects,
		RepoURL:       req.RepoURL,
		Token:         req.Token,
		Author:        core.DefaultCommitAuthor,
		DefaultBranch: req.DefaultBranch,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGitHubExportStatus(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		respondError(w, core.ErrUnavailable(core.CodeSandboxUnavailable, "github export is not configured"))
		return
	}
	repoURL := r.URL.Query().Get("repoUrl")
	if repoURL == "" {
		respondError(w, core.ErrValidation("MISSING_REPO_URL", "repoUrl query parameter is required"))
		return
	}

	status, err := s.exporter.CheckRemoteStatus(r.Context(), core.ExportInput{RepoURL: repoURL})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type captureScreenshotRequest struct {
	URL       string `json:"url"`
	ViewportW int    `json:"viewportWidth"`
	ViewportH int    `json:"viewportHeight"`
}

func (s *Server) handleCaptureScreenshot(w http.ResponseWriter, r *http.Request) {
	if s.screenshots == nil {
		respondError(w, core.ErrUnavailable(core.CodeSandboxUnavailable, "screenshot capture is not configured"))
		return
	}
	var req captureScreenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, core.ErrValidation("INVALID_BODY", "could not decode request body"))
		return
	}
	if req.ViewportW == 0 {
		req.ViewportW = 1280
	}
	if req.ViewportH == 0 {
		req.ViewportH = 720
	}

	agentID := core.AgentID(chi.URLParam(r, "agentId"))
	img, err := s.screenshots.Capture(r.Context(), agentID, req.URL, req.ViewportW, req.ViewportH)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, img)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := core.AgentID(chi.URLParam(r, "agentId"))
	hub, ok := s.agents.Broadcaster(agentID)
	if !ok {
		respondError(w, core.ErrNotFound("agent", string(agentID)))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	connID := uuid.NewString()
	hub.Register(connID, conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			_ = hub.Close(connID)
			return
		}
	}
}

// agentStateView is the JSON projection of an Agent's state returned
// by the API; it deliberately omits internal-only fields (e.g. the
// abort handle, which has no JSON shape).
type agentStateViewT struct {
	DevState    core.DevState  `json:"devState"`
	Blueprint   core.Blueprint `json:"blueprint"`
	PhasesBudget int           `json:"phasesBudget"`
	Flags       core.AgentFlags `json:"flags"`
}

func agentStateView(a interface{ State() *core.AgentState }) agentStateViewT {
	st := a.State()
	if st == nil {
		return agentStateViewT{}
	}
	return agentStateViewT{
		DevState:     st.DevState,
		Blueprint:    st.Blueprint,
		PhasesBudget: st.PhasesBudget,
		Flags:        st.Flags,
	}
}
