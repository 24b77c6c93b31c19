package llmtrace

import (
	"maps"
	"slices"
	"time"

	"github.com/ongoingai/llmtrace/internal/message"
)

// traceSnapshotLocked renders the full state of t. The caller holds t.mu.
func (t *TraceData) traceSnapshotLocked() *message.CreateTrace {
	var end *time.Time
	if t.endTime != nil {
		e := *t.endTime
		end = &e
	}
	var info *message.ErrorInfo
	if t.errorInfo != nil {
		i := *t.errorInfo
		info = &i
	}
	return &message.CreateTrace{
		ID:          t.id,
		ProjectName: t.projectName,
		Name:        t.name,
		StartTime:   t.startTime,
		EndTime:     end,
		Input:       maps.Clone(t.input),
		Output:      maps.Clone(t.output),
		Metadata:    maps.Clone(t.metadata),
		Tags:        slices.Clone(t.tags),
		ErrorInfo:   info,
		ThreadID:    t.threadID,
		Attachments: wireAttachments(t.attachments),
		CreatedBy:   t.createdBy,
	}
}

func (s *SpanData) spanSnapshotLocked() *message.CreateSpan {
	var end *time.Time
	if s.endTime != nil {
		e := *s.endTime
		end = &e
	}
	var info *message.ErrorInfo
	if s.errorInfo != nil {
		i := *s.errorInfo
		info = &i
	}
	var ttft *float64
	if s.ttft != nil {
		v := *s.ttft
		ttft = &v
	}
	var wireUsage map[string]int64
	if s.usage != nil {
		wireUsage = s.usage.Map()
	}
	return &message.CreateSpan{
		ID:           s.id,
		TraceID:      s.traceID,
		ParentSpanID: s.parentSpanID,
		ProjectName:  s.projectName,
		Name:         s.name,
		Type:         string(s.spanType),
		StartTime:    s.startTime,
		EndTime:      end,
		Input:        maps.Clone(s.input),
		Output:       maps.Clone(s.output),
		Metadata:     maps.Clone(s.metadata),
		Tags:         slices.Clone(s.tags),
		Usage:        wireUsage,
		Model:        s.model,
		Provider:     s.provider,
		ErrorInfo:    info,
		TotalCost:    s.estimatedCostLocked(),
		TTFT:         ttft,
		Attachments:  wireAttachments(s.attachments),
	}
}

// traceUpdateFrom turns a snapshot into an update carrying every field, so
// applying it replaces the stored trace wholesale.
func traceUpdateFrom(snap *message.CreateTrace) *message.UpdateTrace {
	return &message.UpdateTrace{
		ID:          snap.ID,
		ProjectName: snap.ProjectName,
		Name:        snap.Name,
		EndTime:     snap.EndTime,
		Input:       snap.Input,
		Output:      snap.Output,
		Metadata:    snap.Metadata,
		Tags:        snap.Tags,
		ErrorInfo:   snap.ErrorInfo,
		ThreadID:    snap.ThreadID,
		Attachments: snap.Attachments,
	}
}

func spanUpdateFrom(snap *message.CreateSpan) *message.UpdateSpan {
	return &message.UpdateSpan{
		ID:           snap.ID,
		TraceID:      snap.TraceID,
		ParentSpanID: snap.ParentSpanID,
		ProjectName:  snap.ProjectName,
		Name:         snap.Name,
		Type:         snap.Type,
		EndTime:      snap.EndTime,
		Input:        snap.Input,
		Output:       snap.Output,
		Metadata:     snap.Metadata,
		Tags:         snap.Tags,
		Usage:        snap.Usage,
		Model:        snap.Model,
		Provider:     snap.Provider,
		ErrorInfo:    snap.ErrorInfo,
		TotalCost:    snap.TotalCost,
		TTFT:         snap.TTFT,
		Attachments:  snap.Attachments,
	}
}

// announce emits the Create message of a trace at open time.
func (t *TraceData) announce() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.created {
		t.mu.Unlock()
		return
	}
	t.created = true
	snap := t.traceSnapshotLocked()
	t.mu.Unlock()
	t.client.enqueue(snap)
}

func (s *SpanData) announce() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.created {
		s.mu.Unlock()
		return
	}
	s.created = true
	snap := s.spanSnapshotLocked()
	s.mu.Unlock()
	s.client.enqueue(snap)
}

// finish sets the end time and emits the final state of the trace followed
// by the scores added while it was open. A second call is a no-op.
func (t *TraceData) finish(end time.Time) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	if t.endTime == nil {
		t.endTime = &end
	}
	snap := t.traceSnapshotLocked()
	var msg message.Message = snap
	if t.created {
		msg = traceUpdateFrom(snap)
	}
	t.created = true
	pending := t.pending
	t.pending = nil
	project := t.projectName
	t.mu.Unlock()

	t.client.enqueue(msg)
	if len(pending) > 0 {
		t.client.enqueue(traceScoresMessage(t.id, project, pending))
	}
}

func (s *SpanData) finish(end time.Time) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if s.endTime == nil {
		s.endTime = &end
	}
	snap := s.spanSnapshotLocked()
	var msg message.Message = snap
	if s.created {
		msg = spanUpdateFrom(snap)
	}
	s.created = true
	pending := s.pending
	s.pending = nil
	project := s.projectName
	s.mu.Unlock()

	s.client.enqueue(msg)
	if len(pending) > 0 {
		s.client.enqueue(spanScoresMessage(s.id, project, pending))
	}
}

func traceScoresMessage(traceID, projectName string, scores []FeedbackScore) *message.AddTraceFeedbackScoresBatch {
	return &message.AddTraceFeedbackScoresBatch{Scores: wireScores(traceID, projectName, scores)}
}

func spanScoresMessage(spanID, projectName string, scores []FeedbackScore) *message.AddSpanFeedbackScoresBatch {
	return &message.AddSpanFeedbackScoresBatch{Scores: wireScores(spanID, projectName, scores)}
}

func wireScores(id, projectName string, scores []FeedbackScore) []message.FeedbackScore {
	out := make([]message.FeedbackScore, 0, len(scores))
	for _, score := range scores {
		wire := message.NewFeedbackScore(id, projectName, score.Name, score.Value, score.Reason)
		wire.CategoryName = score.CategoryName
		out = append(out, wire)
	}
	return out
}
