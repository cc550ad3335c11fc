package audit

import (
	"context"
	"time"
)

// recordTimeout is the max time allowed for a single async record. Used by
// Async and by ShutdownDrainDuration.
const recordTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after gRPC GracefulStop before
// tearing down sinks, so in-flight async records have time to complete. Must
// be >= recordTimeout.
const ShutdownDrainDuration = recordTimeout

// Async wraps a Recorder so each Record runs in its own goroutine with a
// short timeout. Use on the request path so a slow sink never delays the
// response; the wrapped Recorder already logs its own failures.
type Async struct {
	next Recorder
}

// NewAsync returns an Async over next. next must not be nil.
func NewAsync(next Recorder) *Async {
	return &Async{next: next}
}

// Record detaches from the request context so cancellation does not abort an
// in-flight write, but keeps its values (peer address) for IP extraction.
func (a *Async) Record(ctx context.Context, subject, action, target string, allowed bool, metadata map[string]string) {
	detached := context.WithoutCancel(ctx)
	go func() {
		recordCtx, cancel := context.WithTimeout(detached, recordTimeout)
		defer cancel()
		a.next.Record(recordCtx, subject, action, target, allowed, metadata)
	}()
}
