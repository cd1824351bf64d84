package core

import (
	"context"
	"io"
	"time"
)

// Workspace is the content-addressed, git-like object store.
// Implemented by internal/workspace.Store.
type Workspace interface {
	Init(ctx context.Context, defaultBranch string) error
	Stage(ctx context.Context, files []FileState) error
	Commit(ctx context.Context, files []FileState, message string, author CommitAuthor) (oid string, err error)
	Log(ctx context.Context, limit int) ([]CommitInfo, error)
	Show(ctx context.Context, oid string) (CommitListing, error)
	Reset(ctx context.Context, ref string, hard bool) (filesReset int, err error)
	Head(ctx context.Context) (oid string, err error)
	ReadFilesFromCommit(ctx context.Context, oid string) ([]FileState, error)
	ExportObjects(ctx context.Context) (<-chan ObjectRecord, error)
	ImportObjects(ctx context.Context, objects []ObjectRecord) error
}

// CommitAuthor identifies who authored a commit.
type CommitAuthor struct {
	Name  string
	Email string
}

// DefaultCommitAuthor is the author stamped on automated commits.
var DefaultCommitAuthor = CommitAuthor{Name: "Forge Agent", Email: "agent@forge.local"}

// CommitInfo is one entry returned by Workspace.Log.
type CommitInfo struct {
	OID       string
	Message   string
	Author    string
	TreeOID   string
	Parents   []string
	Timestamp time.Time
}

// CommitListing is the result of Workspace.Show: the files reachable
// from a commit's tree plus simple counts.
type CommitListing struct {
	OID       string
	Message   string
	FileCount int
	Files     []string
}

// ObjectRecord is one raw object as streamed by ExportObjects / accepted
// by ImportObjects.
type ObjectRecord struct {
	OID  string
	Kind string // blob | tree | commit
	Data []byte
}

// FileManager is the typed overlay on Workspace keyed by logical path.
type FileManager interface {
	Get(path string) (FileState, bool)
	All() []FileState
	RelevantFiles() []FileState
	GeneratedPaths() []string
	Save(ctx context.Context, file FileState) (FileState, error)
	SaveMany(ctx context.Context, files []FileState, commitMessage string) ([]FileState, error)
	Delete(paths []string)
}

// ProcessHandle identifies a detached process started via Sandbox.StartProcess.
type ProcessHandle string

// ExecResult is the outcome of Sandbox.Exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecOptions configures a single Sandbox.Exec call.
type ExecOptions struct {
	Cwd     string
	Timeout time.Duration
	Env     map[string]string
}

// ProcessInfo describes a live detached process.
type ProcessInfo struct {
	ID      ProcessHandle
	Command string
	Cwd     string
	Running bool
}

// Sandbox abstracts command execution, file I/O, process lifecycle and
// port exposure for one provisioned instance.
type Sandbox interface {
	Exec(ctx context.Context, cmd []string, opts ExecOptions) (ExecResult, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	DeleteFile(ctx context.Context, path string) error
	StartProcess(ctx context.Context, cmd []string, opts ExecOptions) (ProcessHandle, error)
	GetProcess(id ProcessHandle) (ProcessInfo, bool)
	KillProcess(id ProcessHandle) error
	ListProcesses() []ProcessInfo
	ExposePort(port int) (previewURL string, err error)
	UnexposePort(port int) error
	SetEnvVars(vars map[string]string) error
	GetExposedPorts() []int
	Deploy(ctx context.Context, files []FileState, instance SandboxInstanceMetadata) (SandboxInstanceMetadata, error)
}

// DeployCallbacks are invoked at the expected points of a deploy.
type DeployCallbacks struct {
	OnStarted            func()
	OnCompleted          func(previewURL string)
	OnError              func(err error)
	OnAfterSetupCommands func(results []ExecResult)
}

// DeploymentManager provisions and maintains one sandbox instance per
// agent, surfacing runtime errors and static analysis.
type DeploymentManager interface {
	DeployToSandbox(ctx context.Context, files []FileState, redeploy bool, commitMessage string, clearLogs bool, cb DeployCallbacks) (SandboxInstanceMetadata, error)
	WaitForPreview(ctx context.Context) (string, error)
	FetchRuntimeErrors(ctx context.Context, clear bool) ([]RuntimeError, error)
	RunStaticAnalysis(ctx context.Context, files []FileState) (StaticAnalysisResult, error)
	GetSessionID() string
	GenerateNewSessionID() string
}

// RateLimitConfig configures one keyed sliding-window bucket.
type RateLimitConfig struct {
	Limit       int
	Period      time.Duration
	BucketSize  time.Duration
	Burst       int           // 0 disables the burst check
	BurstWindow time.Duration // defaults to 60s when Burst > 0
}

// RateLimitResult is the outcome of an Increment or GetRemainingLimit call.
type RateLimitResult struct {
	Success        bool
	RemainingLimit int
}

// RateLimitStore is the process-global sliding-window rate limiter.
type RateLimitStore interface {
	Increment(ctx context.Context, key string, cfg RateLimitConfig) (RateLimitResult, error)
	GetRemainingLimit(ctx context.Context, key string, cfg RateLimitConfig) (RateLimitResult, error)
}

// ConversationStore holds the running (compacted) and full message
// histories for a session, deduplicated by message id.
type ConversationStore interface {
	Get(ctx context.Context, session SessionID) (running, full []ConversationMessage, err error)
	Set(ctx context.Context, session SessionID, running, full []ConversationMessage) error
	Add(ctx context.Context, session SessionID, history string, msg ConversationMessage) error
}

// Conversation history names, used as the `history` argument to
// ConversationStore.Add.
const (
	HistoryRunning = "running"
	HistoryFull    = "full"
)

// MessageType is the closed enum of websocket broadcast message kinds.
type MessageType string

const (
	MsgGenerationStarted               MessageType = "GENERATION_STARTED"
	MsgGenerationComplete              MessageType = "GENERATION_COMPLETE"
	MsgPhaseGenerating                 MessageType = "PHASE_GENERATING"
	MsgPhaseGenerated                  MessageType = "PHASE_GENERATED"
	MsgPhaseImplementing               MessageType = "PHASE_IMPLEMENTING"
	MsgPhaseValidating                 MessageType = "PHASE_VALIDATING"
	MsgPhaseValidated                  MessageType = "PHASE_VALIDATED"
	MsgPhaseImplemented                MessageType = "PHASE_IMPLEMENTED"
	MsgFileGenerating                  MessageType = "FILE_GENERATING"
	MsgFileChunkGenerated              MessageType = "FILE_CHUNK_GENERATED"
	MsgFileGenerated                   MessageType = "FILE_GENERATED"
	MsgFileRegenerating                MessageType = "FILE_REGENERATING"
	MsgFileRegenerated                 MessageType = "FILE_REGENERATED"
	MsgStaticAnalysisResults           MessageType = "STATIC_ANALYSIS_RESULTS"
	MsgRuntimeErrorFound               MessageType = "RUNTIME_ERROR_FOUND"
	MsgDeterministicCodeFixStarted     MessageType = "DETERMINISTIC_CODE_FIX_STARTED"
	MsgDeterministicCodeFixCompleted   MessageType = "DETERMINISTIC_CODE_FIX_COMPLETED"
	MsgDeploymentStarted               MessageType = "DEPLOYMENT_STARTED"
	MsgDeploymentCompleted             MessageType = "DEPLOYMENT_COMPLETED"
	MsgDeploymentFailed                MessageType = "DEPLOYMENT_FAILED"
	MsgCommandExecuting                MessageType = "COMMAND_EXECUTING"
	MsgConversationResponse            MessageType = "CONVERSATION_RESPONSE"
	MsgConversationCleared             MessageType = "CONVERSATION_CLEARED"
	MsgGitHubExportStarted             MessageType = "GITHUB_EXPORT_STARTED"
	MsgGitHubExportProgress            MessageType = "GITHUB_EXPORT_PROGRESS"
	MsgGitHubExportCompleted           MessageType = "GITHUB_EXPORT_COMPLETED"
	MsgGitHubExportError               MessageType = "GITHUB_EXPORT_ERROR"
	MsgScreenshotCaptureStarted        MessageType = "SCREENSHOT_CAPTURE_STARTED"
	MsgScreenshotCaptureSuccess        MessageType = "SCREENSHOT_CAPTURE_SUCCESS"
	MsgScreenshotCaptureError          MessageType = "SCREENSHOT_CAPTURE_ERROR"
	MsgRateLimitError                  MessageType = "RATE_LIMIT_ERROR"
	MsgError                           MessageType = "ERROR"
)

// ProjectUpdateMessageTypes are the message kinds whose Data text is also
// appended to the project-update accumulator.
var ProjectUpdateMessageTypes = map[MessageType]struct{}{
	MsgFileGenerated:     {},
	MsgFileRegenerated:   {},
	MsgPhaseImplemented:  {},
}

// Broadcaster is the per-agent websocket fan-out.
type Broadcaster interface {
	Broadcast(ctx context.Context, typ MessageType, data any) error
	Send(ctx context.Context, connID string, typ MessageType, data any) error
	Connections() []string
	Close(connID string) error
}

// LLMChunk is one piece of a streamed LLM response.
type LLMChunk struct {
	Text string
	Done bool
}

// LLMRequest is the opaque call made to the LLM provider collaborator.
type LLMRequest struct {
	Model    string
	System   string
	Messages []ConversationMessage
}

// LLMClient is the narrow port onto the LLM provider; its own request/
// response shape is out of scope here, only this call shape matters.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (string, error)
	Stream(ctx context.Context, req LLMRequest, onChunk func(LLMChunk)) (string, error)
}

// GitHubExporter replays a workspace's local commit history onto a
// remote repository.
type GitHubExporter interface {
	Export(ctx context.Context, in ExportInput) (ExportResult, error)
	CheckRemoteStatus(ctx context.Context, in ExportInput) (RemoteStatus, error)
}

// ExportInput bundles everything GitHubExporter.Export needs.
type ExportInput struct {
	Objects       <-chan ObjectRecord
	TemplateFiles []FileState
	RepoURL       string
	Token         string
	Author        CommitAuthor
	DefaultBranch string
}

// ExportResult is returned by GitHubExporter.Export.
type ExportResult struct {
	PushedOID    string
	CommitsPushed int
	BlobsCreated int
	BlobsCached  int
}

// RemoteStatus is returned by GitHubExporter.CheckRemoteStatus.
type RemoteStatus struct {
	Compatible      bool
	BehindBy        int
	AheadBy         int
	DivergedCommits []string
}

// AppService fronts the process-wide application database (users, apps,
// screenshots, deployments), accessed only through this façade.
type AppService interface {
	UpdateAppScreenshot(ctx context.Context, agentID AgentID, url string) error
	GetApp(ctx context.Context, agentID AgentID) (AppRecord, error)
	SaveApp(ctx context.Context, app AppRecord) error
}

// AppRecord is the application-database row for one agent's project.
type AppRecord struct {
	AgentID     AgentID
	ProjectName string
	TemplateName string
	ScreenshotURL string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ScreenshotProvider invokes the external rendering API: POST url +
// viewport → PNG bytes.
type ScreenshotProvider interface {
	Capture(ctx context.Context, url string, viewportW, viewportH int) (io.Reader, error)
}
