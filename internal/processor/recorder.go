package processor

import (
	"slices"
	"sort"
	"sync"

	"github.com/ongoingai/llmtrace/internal/message"
)

type TraceRecord struct {
	message.CreateTrace
	FeedbackScores []message.FeedbackScore
}

type SpanRecord struct {
	message.CreateSpan
	FeedbackScores []message.FeedbackScore
}

// TraceTree is a trace with its top-level spans, each carrying its children
// in start order.
type TraceTree struct {
	TraceRecord
	Spans []*SpanTree
}

type SpanTree struct {
	SpanRecord
	Spans []*SpanTree
}

// Recorder reconstructs the state a backend would hold after applying the
// message stream it has observed. It backs local capture sessions and the
// in-memory backend.
type Recorder struct {
	mu         sync.Mutex
	messages   []message.Message
	traces     map[string]*TraceRecord
	traceOrder []string
	spans      map[string]*SpanRecord
	spanOrder  []string

	pendingTraceUpdates map[string][]*message.UpdateTrace
	pendingSpanUpdates  map[string][]*message.UpdateSpan
}

func NewRecorder() *Recorder {
	return &Recorder{
		traces:              make(map[string]*TraceRecord),
		spans:               make(map[string]*SpanRecord),
		pendingTraceUpdates: make(map[string][]*message.UpdateTrace),
		pendingSpanUpdates:  make(map[string][]*message.UpdateSpan),
	}
}

func (r *Recorder) Process(msg message.Message) {
	if msg == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	r.apply(msg)
}

func (r *Recorder) apply(msg message.Message) {
	switch m := msg.(type) {
	case *message.CreateTrace:
		record := &TraceRecord{CreateTrace: *m}
		if _, seen := r.traces[m.ID]; !seen {
			r.traceOrder = append(r.traceOrder, m.ID)
		}
		r.traces[m.ID] = record
		for _, upd := range r.pendingTraceUpdates[m.ID] {
			message.ApplyTraceUpdate(&record.CreateTrace, upd)
		}
		delete(r.pendingTraceUpdates, m.ID)
	case *message.UpdateTrace:
		if record, ok := r.traces[m.ID]; ok {
			message.ApplyTraceUpdate(&record.CreateTrace, m)
			return
		}
		r.pendingTraceUpdates[m.ID] = append(r.pendingTraceUpdates[m.ID], m)
	case *message.CreateSpan:
		record := &SpanRecord{CreateSpan: *m}
		if _, seen := r.spans[m.ID]; !seen {
			r.spanOrder = append(r.spanOrder, m.ID)
		}
		r.spans[m.ID] = record
		for _, upd := range r.pendingSpanUpdates[m.ID] {
			message.ApplySpanUpdate(&record.CreateSpan, upd)
		}
		delete(r.pendingSpanUpdates, m.ID)
	case *message.UpdateSpan:
		if record, ok := r.spans[m.ID]; ok {
			message.ApplySpanUpdate(&record.CreateSpan, m)
			return
		}
		r.pendingSpanUpdates[m.ID] = append(r.pendingSpanUpdates[m.ID], m)
	case *message.AddTraceFeedbackScoresBatch:
		for _, score := range m.Scores {
			if record, ok := r.traces[score.ID]; ok {
				record.FeedbackScores = append(record.FeedbackScores, score)
			}
		}
	case *message.AddSpanFeedbackScoresBatch:
		for _, score := range m.Scores {
			if record, ok := r.spans[score.ID]; ok {
				record.FeedbackScores = append(record.FeedbackScores, score)
			}
		}
	}
}

// Messages returns a copy of every message observed, in arrival order.
func (r *Recorder) Messages() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages)
}

// Trace returns the current state of a trace.
func (r *Recorder) Trace(id string) (TraceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.traces[id]
	if !ok {
		return TraceRecord{}, false
	}
	return *record, true
}

// Span returns the current state of a span.
func (r *Recorder) Span(id string) (SpanRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.spans[id]
	if !ok {
		return SpanRecord{}, false
	}
	return *record, true
}

// Traces returns every trace in creation order with its span tree.
func (r *Recorder) Traces() []*TraceTree {
	r.mu.Lock()
	defer r.mu.Unlock()

	trees := make([]*TraceTree, 0, len(r.traceOrder))
	for _, id := range r.traceOrder {
		trees = append(trees, &TraceTree{
			TraceRecord: *r.traces[id],
			Spans:       r.spanTreesLocked(id),
		})
	}
	return trees
}

// SpanTrees returns the top-level spans of a trace, which may have been
// created elsewhere and never observed by this recorder.
func (r *Recorder) SpanTrees(traceID string) []*SpanTree {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spanTreesLocked(traceID)
}

func (r *Recorder) spanTreesLocked(traceID string) []*SpanTree {
	nodes := make(map[string]*SpanTree)
	var ordered []*SpanTree
	for _, id := range r.spanOrder {
		record := r.spans[id]
		if record.TraceID != traceID {
			continue
		}
		node := &SpanTree{SpanRecord: *record}
		nodes[id] = node
		ordered = append(ordered, node)
	}

	var roots []*SpanTree
	for _, node := range ordered {
		parent, ok := nodes[node.ParentSpanID]
		if node.ParentSpanID == "" || !ok {
			roots = append(roots, node)
			continue
		}
		parent.Spans = append(parent.Spans, node)
	}

	sortSpanTrees(roots)
	return roots
}

func sortSpanTrees(trees []*SpanTree) {
	sort.SliceStable(trees, func(i, j int) bool {
		return trees[i].StartTime.Before(trees[j].StartTime)
	})
	for _, tree := range trees {
		sortSpanTrees(tree.Spans)
	}
}
