package message

import "slices"

// Key returns the deduplication key of a message. Feedback score batches
// have no key; they only merge with an adjacent batch of the same kind.
func Key(msg Message) (string, bool) {
	switch msg.Kind() {
	case KindCreateTrace, KindUpdateTrace:
		return "trace:" + msg.EntityID(), true
	case KindCreateSpan, KindUpdateSpan:
		return "span:" + msg.EntityID(), true
	default:
		return "", false
	}
}

// IsCreate reports whether msg creates an entity.
func IsCreate(msg Message) bool {
	kind := msg.Kind()
	return kind == KindCreateTrace || kind == KindCreateSpan
}

// Merge folds next into prev and returns the message representing their net
// effect. ok is false when the pair cannot be collapsed, in which case both
// must be delivered in order. Inputs are never mutated.
func Merge(prev, next Message) (Message, bool) {
	switch p := prev.(type) {
	case *CreateTrace:
		if n, ok := next.(*UpdateTrace); ok && n.ID == p.ID {
			merged := *p
			ApplyTraceUpdate(&merged, n)
			return &merged, true
		}
	case *UpdateTrace:
		if n, ok := next.(*UpdateTrace); ok && n.ID == p.ID {
			return mergeTraceUpdates(p, n), true
		}
	case *CreateSpan:
		if n, ok := next.(*UpdateSpan); ok && n.ID == p.ID {
			merged := *p
			ApplySpanUpdate(&merged, n)
			return &merged, true
		}
	case *UpdateSpan:
		if n, ok := next.(*UpdateSpan); ok && n.ID == p.ID {
			return mergeSpanUpdates(p, n), true
		}
	case *AddTraceFeedbackScoresBatch:
		if n, ok := next.(*AddTraceFeedbackScoresBatch); ok {
			return &AddTraceFeedbackScoresBatch{Scores: concatScores(p.Scores, n.Scores)}, true
		}
	case *AddSpanFeedbackScoresBatch:
		if n, ok := next.(*AddSpanFeedbackScoresBatch); ok {
			return &AddSpanFeedbackScoresBatch{Scores: concatScores(p.Scores, n.Scores)}, true
		}
	}
	return nil, false
}

// ApplyTraceUpdate overwrites every field set on upd into dst. The backend
// applies the same patch semantics, so merged and unmerged delivery end in
// the same stored state.
func ApplyTraceUpdate(dst *CreateTrace, upd *UpdateTrace) {
	if upd.ProjectName != "" {
		dst.ProjectName = upd.ProjectName
	}
	if upd.Name != "" {
		dst.Name = upd.Name
	}
	if upd.EndTime != nil {
		dst.EndTime = upd.EndTime
	}
	if upd.Input != nil {
		dst.Input = upd.Input
	}
	if upd.Output != nil {
		dst.Output = upd.Output
	}
	if upd.Metadata != nil {
		dst.Metadata = upd.Metadata
	}
	if upd.Tags != nil {
		dst.Tags = slices.Clone(upd.Tags)
	}
	if upd.ErrorInfo != nil {
		dst.ErrorInfo = upd.ErrorInfo
	}
	if upd.ThreadID != "" {
		dst.ThreadID = upd.ThreadID
	}
	if upd.Attachments != nil {
		dst.Attachments = slices.Clone(upd.Attachments)
	}
}

// ApplySpanUpdate is the span counterpart of ApplyTraceUpdate.
func ApplySpanUpdate(dst *CreateSpan, upd *UpdateSpan) {
	if upd.ProjectName != "" {
		dst.ProjectName = upd.ProjectName
	}
	if upd.Name != "" {
		dst.Name = upd.Name
	}
	if upd.Type != "" {
		dst.Type = upd.Type
	}
	if upd.EndTime != nil {
		dst.EndTime = upd.EndTime
	}
	if upd.Input != nil {
		dst.Input = upd.Input
	}
	if upd.Output != nil {
		dst.Output = upd.Output
	}
	if upd.Metadata != nil {
		dst.Metadata = upd.Metadata
	}
	if upd.Tags != nil {
		dst.Tags = slices.Clone(upd.Tags)
	}
	if upd.Usage != nil {
		dst.Usage = upd.Usage
	}
	if upd.Model != "" {
		dst.Model = upd.Model
	}
	if upd.Provider != "" {
		dst.Provider = upd.Provider
	}
	if upd.ErrorInfo != nil {
		dst.ErrorInfo = upd.ErrorInfo
	}
	if upd.TotalCost != nil {
		dst.TotalCost = upd.TotalCost
	}
	if upd.TTFT != nil {
		dst.TTFT = upd.TTFT
	}
	if upd.Attachments != nil {
		dst.Attachments = slices.Clone(upd.Attachments)
	}
}

func mergeTraceUpdates(prev, next *UpdateTrace) *UpdateTrace {
	asCreate := CreateTrace{
		ID:          prev.ID,
		ProjectName: prev.ProjectName,
		Name:        prev.Name,
		EndTime:     prev.EndTime,
		Input:       prev.Input,
		Output:      prev.Output,
		Metadata:    prev.Metadata,
		Tags:        prev.Tags,
		ErrorInfo:   prev.ErrorInfo,
		ThreadID:    prev.ThreadID,
		Attachments: prev.Attachments,
	}
	ApplyTraceUpdate(&asCreate, next)
	return &UpdateTrace{
		ID:          asCreate.ID,
		ProjectName: asCreate.ProjectName,
		Name:        asCreate.Name,
		EndTime:     asCreate.EndTime,
		Input:       asCreate.Input,
		Output:      asCreate.Output,
		Metadata:    asCreate.Metadata,
		Tags:        asCreate.Tags,
		ErrorInfo:   asCreate.ErrorInfo,
		ThreadID:    asCreate.ThreadID,
		Attachments: asCreate.Attachments,
	}
}

func mergeSpanUpdates(prev, next *UpdateSpan) *UpdateSpan {
	merged := *prev
	if next.TraceID != "" {
		merged.TraceID = next.TraceID
	}
	if next.ParentSpanID != "" {
		merged.ParentSpanID = next.ParentSpanID
	}
	asCreate := CreateSpan{
		ProjectName: merged.ProjectName,
		Name:        merged.Name,
		Type:        merged.Type,
		EndTime:     merged.EndTime,
		Input:       merged.Input,
		Output:      merged.Output,
		Metadata:    merged.Metadata,
		Tags:        merged.Tags,
		Usage:       merged.Usage,
		Model:       merged.Model,
		Provider:    merged.Provider,
		ErrorInfo:   merged.ErrorInfo,
		TotalCost:   merged.TotalCost,
		TTFT:        merged.TTFT,
		Attachments: merged.Attachments,
	}
	ApplySpanUpdate(&asCreate, next)
	merged.ProjectName = asCreate.ProjectName
	merged.Name = asCreate.Name
	merged.Type = asCreate.Type
	merged.EndTime = asCreate.EndTime
	merged.Input = asCreate.Input
	merged.Output = asCreate.Output
	merged.Metadata = asCreate.Metadata
	merged.Tags = asCreate.Tags
	merged.Usage = asCreate.Usage
	merged.Model = asCreate.Model
	merged.Provider = asCreate.Provider
	merged.ErrorInfo = asCreate.ErrorInfo
	merged.TotalCost = asCreate.TotalCost
	merged.TTFT = asCreate.TTFT
	merged.Attachments = asCreate.Attachments
	return &merged
}

func concatScores(a, b []FeedbackScore) []FeedbackScore {
	out := make([]FeedbackScore, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
