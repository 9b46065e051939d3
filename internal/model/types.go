package model

import "time"

type UserRole string

const (
	RoleOperator UserRole = "operator"
	RoleAdmin    UserRole = "admin"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

type StageName string

const (
	StageTrendAnalysis   StageName = "trend_analysis"
	StageModelGeneration StageName = "model_generation"
	StageContentAnalysis StageName = "content_analysis"
	StageScriptGenerate  StageName = "script_generation"
	StageVideoProduction StageName = "video_production"
	StageVideoEditing    StageName = "video_editing"
)

// StageOrder is the schedule order of a pipeline run.
var StageOrder = []StageName{
	StageTrendAnalysis,
	StageModelGeneration,
	StageContentAnalysis,
	StageScriptGenerate,
	StageVideoProduction,
	StageVideoEditing,
}

func (s StageName) Valid() bool {
	for _, name := range StageOrder {
		if name == s {
			return true
		}
	}
	return false
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

type StageResult struct {
	Stage        StageName      `json:"stage_name"`
	Status       StageStatus    `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Error        string         `json:"error,omitempty"`
	DispatchedAt time.Time      `json:"dispatched_at,omitzero"`
	CompletedAt  time.Time      `json:"completed_at,omitzero"`
}

// PipelineRun is the ledger of one JobConfig's execution. Stages are kept in
// schedule order.
type PipelineRun struct {
	ID          string        `json:"run_id"`
	Config      JobConfig     `json:"config"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	Stages      []StageResult `json:"stages"`
	Status      RunStatus     `json:"overall_status"`
}

func (r PipelineRun) Stage(name StageName) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// FailedStage returns the first failed stage in schedule order.
func (r PipelineRun) FailedStage() (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Status == StageFailed {
			return s, true
		}
	}
	return StageResult{}, false
}

// DeriveRunStatus folds stage statuses into the run status. A run is failed
// as soon as any stage failed and completed only when every stage completed.
func DeriveRunStatus(stages []StageResult) RunStatus {
	if len(stages) == 0 {
		return RunPending
	}
	completed := 0
	started := false
	for _, s := range stages {
		switch s.Status {
		case StageFailed:
			return RunFailed
		case StageCompleted:
			completed++
			started = true
		case StageRunning:
			started = true
		}
	}
	if completed == len(stages) {
		return RunCompleted
	}
	if started {
		return RunRunning
	}
	return RunPending
}

type BatchEntry struct {
	Index  int          `json:"index"`
	Status RunStatus    `json:"status"`
	Run    *PipelineRun `json:"run,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type BatchRun struct {
	ID          string       `json:"batch_id"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitzero"`
	Runs        []BatchEntry `json:"runs"`
}

func (b BatchRun) Counts() (completed, failed int) {
	for _, e := range b.Runs {
		switch e.Status {
		case RunCompleted:
			completed++
		case RunFailed, RunCanceled:
			failed++
		}
	}
	return completed, failed
}

// RunRecord is the service-side view of a run submitted through the API.
type RunRecord struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	BatchID         string      `json:"batch_id,omitempty"`
	Status          RunStatus   `json:"status"`
	CancelRequested bool        `json:"cancel_requested"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	TraceID         string      `json:"trace_id"`
	IdempotencyKey  string      `json:"idempotency_key,omitempty"`
	Run             PipelineRun `json:"run"`
	CreatedAt       time.Time   `json:"created_at"`
	EndedAt         time.Time   `json:"ended_at,omitzero"`
}

type BatchRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    RunStatus `json:"status"`
	RunIDs    []string  `json:"run_ids"`
	TraceID   string    `json:"trace_id"`
	Result    *BatchRun `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

type RunEventType string

const (
	EventRunCreated     RunEventType = "run_created"
	EventStageStarted   RunEventType = "stage_started"
	EventStageCompleted RunEventType = "stage_completed"
	EventStageFailed    RunEventType = "stage_failed"
	EventRunCompleted   RunEventType = "run_completed"
	EventRunFailed      RunEventType = "run_failed"
	EventRunCanceled    RunEventType = "run_canceled"
)

type RunEvent struct {
	EventID string         `json:"event_id"`
	Seq     int64          `json:"seq"`
	TraceID string         `json:"trace_id"`
	RunID   string         `json:"run_id"`
	BatchID string         `json:"batch_id,omitempty"`
	Type    RunEventType   `json:"type"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
}
