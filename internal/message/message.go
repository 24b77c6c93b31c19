// Package message defines the wire messages produced by trace and span
// lifecycle events and consumed by the processor chain and the sender.
package message

import (
	"slices"
	"time"
)

// Kind identifies a message variant on the wire.
type Kind string

const (
	KindCreateTrace         Kind = "trace.create"
	KindUpdateTrace         Kind = "trace.update"
	KindCreateSpan          Kind = "span.create"
	KindUpdateSpan          Kind = "span.update"
	KindTraceFeedbackScores Kind = "feedback_scores.trace.batch"
	KindSpanFeedbackScores  Kind = "feedback_scores.span.batch"
)

const feedbackScoreSourceSDK = "sdk"

// Message is implemented by every wire message variant.
type Message interface {
	Kind() Kind
	// EntityID returns the trace or span id the message targets, or "" for
	// feedback score batches which may reference several entities.
	EntityID() string
}

type ErrorInfo struct {
	ExceptionType string `json:"exception_type"`
	Message       string `json:"message,omitempty"`
	Traceback     string `json:"traceback"`
}

type Attachment struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

type FeedbackScore struct {
	ID           string  `json:"id"`
	ProjectName  string  `json:"project_name,omitempty"`
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Reason       string  `json:"reason,omitempty"`
	CategoryName string  `json:"category_name,omitempty"`
	Source       string  `json:"source"`
}

// NewFeedbackScore returns a score attributed to the SDK source.
func NewFeedbackScore(id, projectName, name string, value float64, reason string) FeedbackScore {
	return FeedbackScore{
		ID:          id,
		ProjectName: projectName,
		Name:        name,
		Value:       value,
		Reason:      reason,
		Source:      feedbackScoreSourceSDK,
	}
}

type CreateTrace struct {
	ID          string         `json:"id"`
	ProjectName string         `json:"project_name,omitempty"`
	Name        string         `json:"name,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ErrorInfo   *ErrorInfo     `json:"error_info,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

func (m *CreateTrace) Kind() Kind       { return KindCreateTrace }
func (m *CreateTrace) EntityID() string { return m.ID }

// UpdateTrace carries only the fields that changed. Nil and empty values
// leave the stored field untouched.
type UpdateTrace struct {
	ID          string         `json:"id"`
	ProjectName string         `json:"project_name,omitempty"`
	Name        string         `json:"name,omitempty"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	ErrorInfo   *ErrorInfo     `json:"error_info,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

func (m *UpdateTrace) Kind() Kind       { return KindUpdateTrace }
func (m *UpdateTrace) EntityID() string { return m.ID }

type CreateSpan struct {
	ID           string           `json:"id"`
	TraceID      string           `json:"trace_id"`
	ParentSpanID string           `json:"parent_span_id,omitempty"`
	ProjectName  string           `json:"project_name,omitempty"`
	Name         string           `json:"name,omitempty"`
	Type         string           `json:"type"`
	StartTime    time.Time        `json:"start_time"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
	Input        map[string]any   `json:"input,omitempty"`
	Output       map[string]any   `json:"output,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	Usage        map[string]int64 `json:"usage,omitempty"`
	Model        string           `json:"model,omitempty"`
	Provider     string           `json:"provider,omitempty"`
	ErrorInfo    *ErrorInfo       `json:"error_info,omitempty"`
	TotalCost    *float64         `json:"total_estimated_cost,omitempty"`
	TTFT         *float64         `json:"ttft,omitempty"`
	Attachments  []Attachment     `json:"attachments,omitempty"`
}

func (m *CreateSpan) Kind() Kind       { return KindCreateSpan }
func (m *CreateSpan) EntityID() string { return m.ID }

type UpdateSpan struct {
	ID           string           `json:"id"`
	TraceID      string           `json:"trace_id"`
	ParentSpanID string           `json:"parent_span_id,omitempty"`
	ProjectName  string           `json:"project_name,omitempty"`
	Name         string           `json:"name,omitempty"`
	Type         string           `json:"type,omitempty"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
	Input        map[string]any   `json:"input,omitempty"`
	Output       map[string]any   `json:"output,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	Usage        map[string]int64 `json:"usage,omitempty"`
	Model        string           `json:"model,omitempty"`
	Provider     string           `json:"provider,omitempty"`
	ErrorInfo    *ErrorInfo       `json:"error_info,omitempty"`
	TotalCost    *float64         `json:"total_estimated_cost,omitempty"`
	TTFT         *float64         `json:"ttft,omitempty"`
	Attachments  []Attachment     `json:"attachments,omitempty"`
}

func (m *UpdateSpan) Kind() Kind       { return KindUpdateSpan }
func (m *UpdateSpan) EntityID() string { return m.ID }

type AddTraceFeedbackScoresBatch struct {
	Scores []FeedbackScore `json:"scores"`
}

func (m *AddTraceFeedbackScoresBatch) Kind() Kind       { return KindTraceFeedbackScores }
func (m *AddTraceFeedbackScoresBatch) EntityID() string { return "" }

type AddSpanFeedbackScoresBatch struct {
	Scores []FeedbackScore `json:"scores"`
}

func (m *AddSpanFeedbackScoresBatch) Kind() Kind       { return KindSpanFeedbackScores }
func (m *AddSpanFeedbackScoresBatch) EntityID() string { return "" }

// AppendTags appends tags not already present, preserving first-seen order.
func AppendTags(existing []string, tags ...string) []string {
	for _, tag := range tags {
		if tag == "" || slices.Contains(existing, tag) {
			continue
		}
		existing = append(existing, tag)
	}
	return existing
}

// MergeMetadata returns a new map holding base overlaid with overlay.
func MergeMetadata(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(overlay))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overlay {
		merged[key] = value
	}
	return merged
}
