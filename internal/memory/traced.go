package memory

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service is the operation surface callers use. *Engine implements it and
// TracedService decorates it.
type Service interface {
	Store(ctx context.Context, agent, kind string, payload []byte) (*StoreResult, error)
	Get(ctx context.Context, agent, kind, id string) (Record, error)
	Recall(ctx context.Context, agent, kind string, filter RecallFilter, limit int) ([]Record, error)
	Search(ctx context.Context, agent, query string, kinds []string, limit int) ([]SearchResult, error)
	GetState(ctx context.Context, agent string) (*State, error)
	SetState(ctx context.Context, agent, content string) (*State, error)
	GetSession(ctx context.Context, agent string) (*Session, error)
	ConsolidateLessons(ctx context.Context, agent, principleID string, lessonIDs []string) (int, error)
	Stats(ctx context.Context, agent string) (*MemoryStats, error)
}

var _ Service = (*Engine)(nil)
var _ Service = (*TracedService)(nil)

// TracedService wraps a Service with OpenTelemetry spans named
// "agentmem.memory.{operation}".
type TracedService struct {
	inner  Service
	tracer trace.Tracer
}

// NewTracedService wraps inner so every operation is recorded with tracer.
func NewTracedService(inner Service, tracer trace.Tracer) *TracedService {
	return &TracedService{inner: inner, tracer: tracer}
}

func (s *TracedService) start(ctx context.Context, op, agent string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "agentmem.memory."+op)
	span.SetAttributes(
		attribute.String("agentmem.memory.operation", op),
		attribute.String("agentmem.agent", agent),
	)
	span.SetAttributes(attrs...)
	return ctx, span
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (s *TracedService) Store(ctx context.Context, agent, kind string, payload []byte) (*StoreResult, error) {
	ctx, span := s.start(ctx, "store", agent, attribute.String("agentmem.kind", kind))
	defer span.End()

	res, err := s.inner.Store(ctx, agent, kind, payload)
	if err == nil {
		span.SetAttributes(attribute.String("agentmem.record_id", res.ID))
	}
	finish(span, err)
	return res, err
}

func (s *TracedService) Get(ctx context.Context, agent, kind, id string) (Record, error) {
	ctx, span := s.start(ctx, "get", agent,
		attribute.String("agentmem.kind", kind),
		attribute.String("agentmem.record_id", id))
	defer span.End()

	rec, err := s.inner.Get(ctx, agent, kind, id)
	span.SetAttributes(attribute.Bool("agentmem.found", rec != nil))
	finish(span, err)
	return rec, err
}

func (s *TracedService) Recall(ctx context.Context, agent, kind string, filter RecallFilter, limit int) ([]Record, error) {
	ctx, span := s.start(ctx, "recall", agent,
		attribute.String("agentmem.kind", kind),
		attribute.Int("agentmem.limit", limit))
	defer span.End()

	out, err := s.inner.Recall(ctx, agent, kind, filter, limit)
	span.SetAttributes(attribute.Int("agentmem.result_count", len(out)))
	finish(span, err)
	return out, err
}

func (s *TracedService) Search(ctx context.Context, agent, query string, kinds []string, limit int) ([]SearchResult, error) {
	ctx, span := s.start(ctx, "search", agent,
		attribute.String("agentmem.kinds", strings.Join(kinds, ",")),
		attribute.Int("agentmem.limit", limit))
	defer span.End()

	out, err := s.inner.Search(ctx, agent, query, kinds, limit)
	span.SetAttributes(attribute.Int("agentmem.result_count", len(out)))
	if len(out) > 0 {
		span.SetAttributes(attribute.Float64("agentmem.top_score", out[0].Score))
	}
	finish(span, err)
	return out, err
}

func (s *TracedService) GetState(ctx context.Context, agent string) (*State, error) {
	ctx, span := s.start(ctx, "get_state", agent)
	defer span.End()

	st, err := s.inner.GetState(ctx, agent)
	finish(span, err)
	return st, err
}

func (s *TracedService) SetState(ctx context.Context, agent, content string) (*State, error) {
	ctx, span := s.start(ctx, "set_state", agent, attribute.Int("agentmem.content_length", len(content)))
	defer span.End()

	st, err := s.inner.SetState(ctx, agent, content)
	finish(span, err)
	return st, err
}

func (s *TracedService) GetSession(ctx context.Context, agent string) (*Session, error) {
	ctx, span := s.start(ctx, "session", agent)
	defer span.End()

	sess, err := s.inner.GetSession(ctx, agent)
	if err == nil {
		span.SetAttributes(
			attribute.Int("agentmem.hot_events", sess.Counts.HotEvents),
			attribute.Int("agentmem.principles", sess.Counts.Principles),
			attribute.Int("agentmem.recent_lessons", sess.Counts.RecentLessons),
		)
	}
	finish(span, err)
	return sess, err
}

func (s *TracedService) ConsolidateLessons(ctx context.Context, agent, principleID string, lessonIDs []string) (int, error) {
	ctx, span := s.start(ctx, "consolidate", agent,
		attribute.String("agentmem.principle_id", principleID),
		attribute.Int("agentmem.lesson_count", len(lessonIDs)))
	defer span.End()

	n, err := s.inner.ConsolidateLessons(ctx, agent, principleID, lessonIDs)
	span.SetAttributes(attribute.Int("agentmem.consolidated", n))
	finish(span, err)
	return n, err
}

func (s *TracedService) Stats(ctx context.Context, agent string) (*MemoryStats, error) {
	ctx, span := s.start(ctx, "stats", agent)
	defer span.End()

	st, err := s.inner.Stats(ctx, agent)
	finish(span, err)
	return st, err
}
