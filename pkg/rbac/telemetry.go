package rbac

import (
	"context"
	"time"
)

// Decision outcomes reported to a Recorder
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Recorder receives resolution telemetry. observability.Metrics and
// observability.OTelMetrics both implement it.
type Recorder interface {
	RecordDecision(ctx context.Context, outcome string)
	RecordCacheLookup(ctx context.Context, hit bool)
	RecordCacheError(ctx context.Context, op string)
	RecordResolution(ctx context.Context, duration time.Duration, err error)
	RecordInvalidation(ctx context.Context, scope string)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(context.Context, string)                 {}
func (nopRecorder) RecordCacheLookup(context.Context, bool)                {}
func (nopRecorder) RecordCacheError(context.Context, string)               {}
func (nopRecorder) RecordResolution(context.Context, time.Duration, error) {}
func (nopRecorder) RecordInvalidation(context.Context, string)             {}
