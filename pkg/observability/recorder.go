package observability

import (
	"context"
	"errors"
	"time"
)

// kinded is implemented by errors that label themselves for metrics
type kinded interface {
	Kind() string
}

func errorKind(err error) string {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "other"
}

// DecisionRecorder is the telemetry surface shared by Metrics and OTelMetrics
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, outcome string)
	RecordCacheLookup(ctx context.Context, hit bool)
	RecordCacheError(ctx context.Context, op string)
	RecordResolution(ctx context.Context, duration time.Duration, err error)
	RecordInvalidation(ctx context.Context, scope string)
}

// Recorders fans telemetry out to several recorders; nil entries are skipped
type Recorders []DecisionRecorder

// NewRecorders drops nil recorders, including typed nil pointers
func NewRecorders(recorders ...DecisionRecorder) Recorders {
	out := make(Recorders, 0, len(recorders))
	for _, r := range recorders {
		switch v := r.(type) {
		case nil:
			continue
		case *Metrics:
			if v == nil {
				continue
			}
		case *OTelMetrics:
			if v == nil {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func (rs Recorders) RecordDecision(ctx context.Context, outcome string) {
	for _, r := range rs {
		r.RecordDecision(ctx, outcome)
	}
}

func (rs Recorders) RecordCacheLookup(ctx context.Context, hit bool) {
	for _, r := range rs {
		r.RecordCacheLookup(ctx, hit)
	}
}

func (rs Recorders) RecordCacheError(ctx context.Context, op string) {
	for _, r := range rs {
		r.RecordCacheError(ctx, op)
	}
}

func (rs Recorders) RecordResolution(ctx context.Context, duration time.Duration, err error) {
	for _, r := range rs {
		r.RecordResolution(ctx, duration, err)
	}
}

func (rs Recorders) RecordInvalidation(ctx context.Context, scope string) {
	for _, r := range rs {
		r.RecordInvalidation(ctx, scope)
	}
}
