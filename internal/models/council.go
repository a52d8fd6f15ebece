package models

import "time"

// SessionStatus is the lifecycle state of a council session
type SessionStatus string

const (
	StatusIdle          SessionStatus = "idle"
	StatusRunning       SessionStatus = "running"
	StatusPaused        SessionStatus = "paused"
	StatusAwaitingHuman SessionStatus = "awaiting_human"
	StatusComplete      SessionStatus = "complete"
	StatusFailed        SessionStatus = "failed"
)

// Task types a blueprint can carry. The chairman is free to emit others;
// unknown types are routed like plain drafts (no required capabilities),
// but unlike drafts their label is added to the member prompt as the goal.
const (
	TaskDraft   = "draft"
	TaskAnalyze = "analyze"
	TaskVision  = "vision"
	TaskCode    = "code"
	TaskRefine  = "refine"
)

// BlueprintTask is one step of a council run
type BlueprintTask struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Label          string   `json:"label"`
	Breakpoint     bool     `json:"breakpoint,omitempty"`
	RequiredSkills []string `json:"required_skills,omitempty"`
}

// Blueprint is the ordered task list of a run. It is a list with a
// cursor, not a DAG — edges exist only for display purposes.
type Blueprint struct {
	Tasks []BlueprintTask `json:"tasks"`
	Edges [][2]int        `json:"edges,omitempty"`
}

// StageBuffers holds intermediate stage artifacts while a task is in flight
type StageBuffers struct {
	Stage1 []Stage1Result `json:"stage1,omitempty"`
	Stage2 []Stage2Result `json:"stage2,omitempty"`
	Stage3 *Stage3Result  `json:"stage3,omitempty"`
}

// HumanFeedback is the Stage-4 input from the human chairman
type HumanFeedback struct {
	Feedback           string `json:"feedback"`
	ContinueDiscussion bool   `json:"continue_discussion"`
}

// SessionState is the resumable snapshot of a council session.
// It is persisted after every completed stage; a resume call reloads
// it and re-enters the pipeline at the blueprint cursor.
type SessionState struct {
	Blueprint         Blueprint      `json:"blueprint"`
	CurrentTaskIndex  int            `json:"current_task_index"`
	Status            SessionStatus  `json:"status"`
	StageBuffers      StageBuffers   `json:"stage_buffers"`
	PendingHumanInput *HumanFeedback `json:"pending_human_input,omitempty"`
}

// CurrentTask returns the task at the cursor, or nil when the
// blueprint is fully consumed.
func (s *SessionState) CurrentTask() *BlueprintTask {
	if s.CurrentTaskIndex < 0 || s.CurrentTaskIndex >= len(s.Blueprint.Tasks) {
		return nil
	}
	return &s.Blueprint.Tasks[s.CurrentTaskIndex]
}

// Board is a configured council team: members, chairman, personalities
// and the consensus strategy used for their runs.
type Board struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	CouncilMembers    []string          `json:"council_members"`
	Chairman          string            `json:"chairman"`
	Substitutes       map[string]string `json:"substitutes,omitempty"`
	Personalities     map[string]string `json:"personalities,omitempty"`
	ConsensusStrategy string            `json:"consensus_strategy"`
	ResponseTimeoutS  int               `json:"response_timeout_s"`
	UsageCount        int               `json:"usage_count"`
	CreatedAt         time.Time         `json:"created_at"`
	LastUsedAt        *time.Time        `json:"last_used_at,omitempty"`
}

// TokenUsage mirrors the provider's usage block
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Stage1Result is one council member's individual draft
type Stage1Result struct {
	Model      string     `json:"model"`
	Response   string     `json:"response"`
	Usage      TokenUsage `json:"usage"`
	Error      bool       `json:"error,omitempty"`
	Substitute string     `json:"substitute,omitempty"` // set when a substitute answered for Model
	LatencyMs  int64      `json:"latency_ms,omitempty"`
}

// Stage2Result is one member's peer-ranking ballot
type Stage2Result struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`        // full judge text
	ParsedRanking []string `json:"parsed_ranking"` // labels in ranked order, empty when discarded
	Valid         bool     `json:"valid"`
}

// Stage3Result is the chairman's synthesis
type Stage3Result struct {
	Model     string     `json:"model"`
	Response  string     `json:"response"`
	Reasoning string     `json:"reasoning,omitempty"`
	Usage     TokenUsage `json:"usage"`
	Fallback  bool       `json:"fallback,omitempty"` // chairman failed; Borda winner draft emitted instead
}

// AggregateRanking is one model's averaged peer-ranking position
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// ConsensusSummary records the consensus outcome for a run
type ConsensusSummary struct {
	Strategy       string         `json:"strategy"`
	Winner         string         `json:"winner"` // label, e.g. "A"
	Ordering       []string       `json:"ordering"`
	PerLabelScores map[string]int `json:"per_label_scores"`
	TiesBrokenBy   string         `json:"ties_broken_by,omitempty"`
}

// RunMetadata is the per-revision metadata attached to an assistant message
type RunMetadata struct {
	LabelToModel      map[string]string  `json:"label_to_model,omitempty"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings,omitempty"`
	Consensus         *ConsensusSummary  `json:"consensus,omitempty"`
	SubstitutesUsed   []string           `json:"substitutes_used,omitempty"`
	BallotsValid      int                `json:"ballots_valid,omitempty"`
	BallotsDiscarded  int                `json:"ballots_discarded,omitempty"`
	ChairmanFallback  bool               `json:"chairman_fallback,omitempty"`
	TaskID            string             `json:"task_id,omitempty"`
	Rating            *int               `json:"rating,omitempty"`
}

// Message roles
const (
	RoleUser          = "user"
	RoleAssistant     = "assistant"
	RoleHumanChairman = "human_chairman"
	RoleSystem        = "system"
)

// LoadingState mirrors the per-stage loading flags the UI consumes
type LoadingState struct {
	Stage1 bool `json:"stage1"`
	Stage2 bool `json:"stage2"`
	Stage3 bool `json:"stage3"`
}

// Message is one entry in a conversation. Assistant messages carry the
// three stage payloads plus run metadata; the k-th assistant message in
// a conversation is revision k (RevisionIndex, zero-based).
type Message struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content,omitempty"`
	Stage1         []Stage1Result `json:"stage1,omitempty"`
	Stage2         []Stage2Result `json:"stage2,omitempty"`
	Stage3         *Stage3Result  `json:"stage3,omitempty"`
	Metadata       *RunMetadata   `json:"metadata,omitempty"`
	Loading        *LoadingState  `json:"loading,omitempty"`
	Finalized      bool           `json:"finalized"`
	RevisionIndex  int            `json:"revision_index"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Conversation owns its messages and session state exclusively
type Conversation struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Archived     bool          `json:"archived"`
	CreatedAt    time.Time     `json:"created_at"`
	LastModified time.Time     `json:"last_modified"`
	Messages     []Message     `json:"messages,omitempty"`
	SessionState *SessionState `json:"session_state,omitempty"`
}

// ConversationSummary is the list-view projection of a conversation
type ConversationSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Archived      bool      `json:"archived"`
	MessageCount  int       `json:"message_count"`
	RevisionCount int       `json:"revision_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastModified  time.Time `json:"last_modified"`
}

// FailList is a named set of model ids excluded from routing.
// At most one list is active at a time.
type FailList struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	FailedModels []string  `json:"failed_models"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEvent is one append-only entry of a session's audit trail
type AuditEvent struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	Step       string    `json:"step"`
	TaskID     string    `json:"task_id,omitempty"`
	ModelID    string    `json:"model_id,omitempty"`
	LogMessage string    `json:"log_message,omitempty"`
	RawData    string    `json:"raw_data,omitempty"` // JSON, verbatim
}

// Prompt is a saved prompt-library entry
type Prompt struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	Rating     int       `json:"rating"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}
