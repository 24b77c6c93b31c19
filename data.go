package llmtrace

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ongoingai/llmtrace/internal/message"
	"github.com/ongoingai/llmtrace/internal/usage"
)

type SpanType string

const (
	SpanTypeGeneral   SpanType = "general"
	SpanTypeLLM       SpanType = "llm"
	SpanTypeTool      SpanType = "tool"
	SpanTypeGuardrail SpanType = "guardrail"
)

// ErrorInfo describes an error or panic recorded on a span or trace.
type ErrorInfo = message.ErrorInfo

// FeedbackScore is a named evaluation result attached to a span or trace
// after the fact.
type FeedbackScore struct {
	Name         string
	Value        float64
	Reason       string
	CategoryName string
}

// TraceUpdate lists trace fields to change. Zero values are ignored; tags
// are appended and metadata, input and output keys are merged.
type TraceUpdate struct {
	Name        string
	Input       map[string]any
	Output      map[string]any
	Metadata    map[string]any
	Tags        []string
	ThreadID    string
	ErrorInfo   *ErrorInfo
	Attachments []Attachment
}

// SpanUpdate lists span fields to change, with the same merge rules as
// TraceUpdate. Usage accepts anything usage.Parse understands for Provider;
// unparseable usage is logged and dropped.
type SpanUpdate struct {
	Name        string
	Type        SpanType
	Input       map[string]any
	Output      map[string]any
	Metadata    map[string]any
	Tags        []string
	Usage       any
	Model       string
	Provider    string
	TotalCost   *float64
	TTFT        *float64
	ErrorInfo   *ErrorInfo
	Attachments []Attachment
}

// TraceData is an in-flight trace. It is safe for concurrent use; methods
// on a nil *TraceData are no-ops so code keeps working with tracking off.
type TraceData struct {
	mu sync.Mutex

	id             string
	name           string
	startTime      time.Time
	endTime        *time.Time
	input          map[string]any
	output         map[string]any
	metadata       map[string]any
	tags           []string
	projectName    string
	threadID       string
	errorInfo      *ErrorInfo
	feedbackScores []FeedbackScore
	attachments    []Attachment
	createdBy      string

	client  *Client
	created bool
	ended   bool
	pending []FeedbackScore
}

func newTraceData(client *Client, name, projectName string) *TraceData {
	return &TraceData{
		id:          newID(),
		name:        name,
		startTime:   time.Now().UTC(),
		projectName: projectName,
		client:      client,
	}
}

func (t *TraceData) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

func (t *TraceData) Name() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *TraceData) StartTime() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.startTime
}

// EndTime returns the end time and whether the trace has ended.
func (t *TraceData) EndTime() (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endTime == nil {
		return time.Time{}, false
	}
	return *t.endTime, true
}

func (t *TraceData) Input() map[string]any {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.input)
}

func (t *TraceData) Output() map[string]any {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.output)
}

func (t *TraceData) Metadata() map[string]any {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.metadata)
}

func (t *TraceData) Tags() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.tags)
}

func (t *TraceData) ProjectName() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.projectName
}

func (t *TraceData) ThreadID() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threadID
}

func (t *TraceData) ErrorInfo() *ErrorInfo {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.errorInfo == nil {
		return nil
	}
	info := *t.errorInfo
	return &info
}

func (t *TraceData) FeedbackScores() []FeedbackScore {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.feedbackScores)
}

func (t *TraceData) Attachments() []Attachment {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.attachments)
}

// DistributedHeaders returns headers that attach spans created elsewhere
// as top-level spans of this trace.
func (t *TraceData) DistributedHeaders() DistributedHeaders {
	if t == nil {
		return DistributedHeaders{}
	}
	return DistributedHeaders{TraceID: t.id}
}

// Update applies upd to the trace. It never performs I/O.
func (t *TraceData) Update(upd TraceUpdate) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if upd.Name != "" {
		t.name = upd.Name
	}
	if upd.Input != nil {
		t.input = message.MergeMetadata(t.input, upd.Input)
	}
	if upd.Output != nil {
		t.output = message.MergeMetadata(t.output, upd.Output)
	}
	if upd.Metadata != nil {
		t.metadata = message.MergeMetadata(t.metadata, upd.Metadata)
	}
	if len(upd.Tags) > 0 {
		t.tags = message.AppendTags(t.tags, upd.Tags...)
	}
	if upd.ThreadID != "" {
		t.setThreadIDLocked(upd.ThreadID)
	}
	if upd.ErrorInfo != nil {
		info := *upd.ErrorInfo
		t.errorInfo = &info
	}
	if len(upd.Attachments) > 0 {
		t.attachments = append(t.attachments, upd.Attachments...)
	}
}

// SetThreadID sets the conversation key of the trace. It can be set once;
// a conflicting value is ignored with a warning and false is returned.
func (t *TraceData) SetThreadID(threadID string) bool {
	if t == nil || threadID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setThreadIDLocked(threadID)
}

func (t *TraceData) setThreadIDLocked(threadID string) bool {
	if t.threadID == "" || t.threadID == threadID {
		t.threadID = threadID
		return true
	}
	t.client.log().Warn("ignoring conflicting thread id",
		"trace_id", t.id,
		"thread_id", t.threadID,
		"rejected_thread_id", threadID,
	)
	return false
}

// AddFeedbackScore attaches a score. Scores added before the trace ends are
// sent after its Create message; later ones are sent immediately.
func (t *TraceData) AddFeedbackScore(score FeedbackScore) {
	if t == nil || score.Name == "" {
		return
	}
	t.mu.Lock()
	t.feedbackScores = append(t.feedbackScores, score)
	if !t.ended {
		t.pending = append(t.pending, score)
		t.mu.Unlock()
		return
	}
	project := t.projectName
	t.mu.Unlock()
	t.client.enqueue(traceScoresMessage(t.id, project, []FeedbackScore{score}))
}

// SpanData is an in-flight span. It is safe for concurrent use; methods on
// a nil *SpanData are no-ops so code keeps working with tracking off.
type SpanData struct {
	mu sync.Mutex

	id             string
	traceID        string
	parentSpanID   string
	name           string
	spanType       SpanType
	startTime      time.Time
	endTime        *time.Time
	input          map[string]any
	output         map[string]any
	metadata       map[string]any
	tags           []string
	usage          *usage.Usage
	model          string
	provider       string
	projectName    string
	errorInfo      *ErrorInfo
	feedbackScores []FeedbackScore
	attachments    []Attachment
	ttft           *float64
	totalCost      *float64

	client  *Client
	created bool
	ended   bool
	pending []FeedbackScore
}

func newSpanData(client *Client, traceID, parentSpanID, name string, spanType SpanType, projectName string) *SpanData {
	if spanType == "" {
		spanType = SpanTypeGeneral
	}
	return &SpanData{
		id:           newID(),
		traceID:      traceID,
		parentSpanID: parentSpanID,
		name:         name,
		spanType:     spanType,
		startTime:    time.Now().UTC(),
		projectName:  projectName,
		client:       client,
	}
}

func (s *SpanData) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *SpanData) TraceID() string {
	if s == nil {
		return ""
	}
	return s.traceID
}

// ParentSpanID is empty for top-level spans.
func (s *SpanData) ParentSpanID() string {
	if s == nil {
		return ""
	}
	return s.parentSpanID
}

func (s *SpanData) Name() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *SpanData) Type() SpanType {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spanType
}

func (s *SpanData) StartTime() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.startTime
}

// EndTime returns the end time and whether the span has ended.
func (s *SpanData) EndTime() (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime == nil {
		return time.Time{}, false
	}
	return *s.endTime, true
}

func (s *SpanData) Input() map[string]any {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.input)
}

func (s *SpanData) Output() map[string]any {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.output)
}

func (s *SpanData) Metadata() map[string]any {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.metadata)
}

func (s *SpanData) Tags() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tags)
}

// Usage returns the normalized token usage in wire form.
func (s *SpanData) Usage() map[string]int64 {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return nil
	}
	return s.usage.Map()
}

func (s *SpanData) Model() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *SpanData) Provider() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

func (s *SpanData) ProjectName() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectName
}

func (s *SpanData) ErrorInfo() *ErrorInfo {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errorInfo == nil {
		return nil
	}
	info := *s.errorInfo
	return &info
}

func (s *SpanData) FeedbackScores() []FeedbackScore {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.feedbackScores)
}

func (s *SpanData) Attachments() []Attachment {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.attachments)
}

// TotalCost returns the explicit or estimated cost of the span.
func (s *SpanData) TotalCost() (float64, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalCost == nil {
		return 0, false
	}
	return *s.totalCost, true
}

// DistributedHeaders returns headers that make spans created elsewhere
// direct children of this span.
func (s *SpanData) DistributedHeaders() DistributedHeaders {
	if s == nil {
		return DistributedHeaders{}
	}
	return DistributedHeaders{TraceID: s.traceID, ParentSpanID: s.id}
}

// Update applies upd to the span. It never performs I/O.
func (s *SpanData) Update(upd SpanUpdate) {
	if s == nil {
		return
	}
	var parsed *usage.Usage
	if upd.Usage != nil {
		provider := upd.Provider
		if provider == "" {
			provider = s.Provider()
		}
		u, err := usage.Parse(provider, upd.Usage)
		if err != nil {
			s.client.log().Warn("dropping unparseable usage", "span_id", s.id, "provider", provider, "error", err)
		} else {
			parsed = &u
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if upd.Name != "" {
		s.name = upd.Name
	}
	if upd.Type != "" {
		s.spanType = upd.Type
	}
	if upd.Input != nil {
		s.input = message.MergeMetadata(s.input, upd.Input)
	}
	if upd.Output != nil {
		s.output = message.MergeMetadata(s.output, upd.Output)
	}
	if upd.Metadata != nil {
		s.metadata = message.MergeMetadata(s.metadata, upd.Metadata)
	}
	if len(upd.Tags) > 0 {
		s.tags = message.AppendTags(s.tags, upd.Tags...)
	}
	if parsed != nil {
		s.usage = parsed
	}
	if upd.Model != "" {
		s.model = upd.Model
	}
	if upd.Provider != "" {
		s.provider = upd.Provider
	}
	if upd.TotalCost != nil {
		cost := *upd.TotalCost
		s.totalCost = &cost
	}
	if upd.TTFT != nil {
		ttft := *upd.TTFT
		s.ttft = &ttft
	}
	if upd.ErrorInfo != nil {
		info := *upd.ErrorInfo
		s.errorInfo = &info
	}
	if len(upd.Attachments) > 0 {
		s.attachments = append(s.attachments, upd.Attachments...)
	}
}

// AddFeedbackScore attaches a score with the same delivery rules as
// TraceData.AddFeedbackScore.
func (s *SpanData) AddFeedbackScore(score FeedbackScore) {
	if s == nil || score.Name == "" {
		return
	}
	s.mu.Lock()
	s.feedbackScores = append(s.feedbackScores, score)
	if !s.ended {
		s.pending = append(s.pending, score)
		s.mu.Unlock()
		return
	}
	project := s.projectName
	s.mu.Unlock()
	s.client.enqueue(spanScoresMessage(s.id, project, []FeedbackScore{score}))
}

// estimatedCostLocked fills the cost from usage and model when no explicit
// cost was set.
func (s *SpanData) estimatedCostLocked() *float64 {
	if s.totalCost != nil {
		cost := *s.totalCost
		return &cost
	}
	if s.usage == nil || s.model == "" {
		return nil
	}
	cost, ok := usage.EstimateCost(s.provider, s.model, *s.usage)
	if !ok {
		return nil
	}
	return &cost
}

func logOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
