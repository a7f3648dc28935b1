package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is a task's position in the lifecycle state machine.
type TaskStatus string

const (
	StatusPending          TaskStatus = "pending"
	StatusInitializing     TaskStatus = "initializing"
	StatusAcquiringBrowser TaskStatus = "acquiring_browser"
	StatusExtracting       TaskStatus = "extracting"
	StatusProcessingLLM    TaskStatus = "processing_llm"
	StatusPostProcessing   TaskStatus = "post_processing"
	StatusCompleted        TaskStatus = "completed"
	StatusFailed           TaskStatus = "failed"
	StatusCancelled        TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// nextStatuses is the forward edge set of the lifecycle DAG. Failed and
// cancelled are reachable from every non-terminal state and are not listed.
var nextStatuses = map[TaskStatus][]TaskStatus{
	StatusPending:          {StatusInitializing},
	StatusInitializing:     {StatusAcquiringBrowser, StatusCompleted},
	StatusAcquiringBrowser: {StatusExtracting},
	StatusExtracting:       {StatusProcessingLLM, StatusPostProcessing, StatusCompleted},
	StatusProcessingLLM:    {StatusPostProcessing, StatusCompleted},
	StatusPostProcessing:   {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range nextStatuses[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority controls queueing order for browser acquisition; the service's submit
// queue itself is FIFO. Lower value = scheduled sooner.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps the wire name to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// OutputFormat selects the shape of extracted content.
type OutputFormat string

const (
	FormatRawText  OutputFormat = "raw_text"
	FormatMarkdown OutputFormat = "markdown"
	FormatJSON     OutputFormat = "json"
	FormatHTML     OutputFormat = "html"
)

// ValidFormat reports whether f is a supported output format.
func ValidFormat(f OutputFormat) bool {
	switch f {
	case FormatRawText, FormatMarkdown, FormatJSON, FormatHTML:
		return true
	}
	return false
}

// MaxInstructionsBytes bounds custom_instructions in a TaskSpec.
const MaxInstructionsBytes = 2000

// TaskSpec is the immutable request that creates a task.
type TaskSpec struct {
	URL                string       `json:"url" bson:"url"`
	OutputFormat       OutputFormat `json:"output_format" bson:"output_format"`
	UseLLM             bool         `json:"use_llm" bson:"use_llm"`
	UseCache           bool         `json:"use_cache" bson:"use_cache"`
	CustomInstructions string       `json:"custom_instructions,omitempty" bson:"custom_instructions,omitempty"`
	Priority           Priority     `json:"priority" bson:"priority"`

	// ClientID identifies the submitting client for rate limiting.
	ClientID string `json:"client_id,omitempty" bson:"client_id,omitempty"`

	// UserAgent is the submitting client's user agent, used as an abuse signal.
	UserAgent string `json:"-" bson:"-"`
}

// Validate checks spec fields that do not require network access.
func (s *TaskSpec) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !ValidFormat(s.OutputFormat) {
		return fmt.Errorf("unsupported output format %q", s.OutputFormat)
	}
	if len(s.CustomInstructions) > MaxInstructionsBytes {
		return fmt.Errorf("custom_instructions exceeds %d bytes", MaxInstructionsBytes)
	}
	return nil
}

// Result is the structured payload of a completed task.
type Result struct {
	Content    string         `json:"content" bson:"content"`
	Structured map[string]any `json:"structured,omitempty" bson:"structured,omitempty"`
	Format     OutputFormat   `json:"format" bson:"format"`
	Title      string         `json:"title,omitempty" bson:"title,omitempty"`
	FinalURL   string         `json:"final_url,omitempty" bson:"final_url,omitempty"`
}

// Metadata records execution facts about a task run.
type Metadata struct {
	ExecutionTime       time.Duration `json:"execution_time" bson:"execution_time"`
	ContentLength       int           `json:"content_length" bson:"content_length"`
	WordCount           int           `json:"word_count" bson:"word_count"`
	CacheHit            bool          `json:"cache_hit" bson:"cache_hit"`
	BrowserID           string        `json:"browser_id,omitempty" bson:"browser_id,omitempty"`
	LLMProvider         string        `json:"llm_provider,omitempty" bson:"llm_provider,omitempty"`
	LLMSkipped          bool          `json:"llm_skipped,omitempty" bson:"llm_skipped,omitempty"`
	PostAnalysisSkipped bool          `json:"post_analysis_skipped,omitempty" bson:"post_analysis_skipped,omitempty"`
}

// Task is a single scraping job and its lifecycle state. Tasks are mutated only
// through the task manager; everyone else sees copies.
type Task struct {
	ID              string     `json:"id" bson:"_id"`
	Spec            TaskSpec   `json:"spec" bson:"spec"`
	Status          TaskStatus `json:"status" bson:"status"`
	Progress        int        `json:"progress" bson:"progress"`
	ProgressMessage string     `json:"progress_message" bson:"progress_message"`
	Result          *Result    `json:"result,omitempty" bson:"result,omitempty"`
	Error           *TaskError `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at" bson:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	Metadata        Metadata   `json:"metadata" bson:"metadata"`
}

// NewTask creates a pending task for spec with a fresh 128-bit id.
func NewTask(spec TaskSpec) *Task {
	return &Task{
		ID:              uuid.NewString(),
		Spec:            spec,
		Status:          StatusPending,
		ProgressMessage: "queued",
		CreatedAt:       time.Now(),
	}
}

// Clone returns a deep-enough copy for handing outside the manager. Result and
// Error are immutable after being set, so sharing the pointers is safe.
func (t *Task) Clone() *Task {
	cp := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return &cp
}
