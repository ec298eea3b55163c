package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// reconnectBackoff is how long the worker waits before reopening the
// consumer after an unexpected (non-data) error, mirroring the original
// consumer's "Restarting consumer in 5 seconds..." behavior.
const reconnectBackoff = 5 * time.Second

// Worker drives a Processor off a Kafka topic: fetch, process, commit.
// Any error other than a malformed/unusable event (*DataError) aborts the
// current consumer session; Run reopens a fresh one after reconnectBackoff,
// which resumes from the last committed offset.
type Worker struct {
	NewSource func() Source
	Processor *Processor
}

// NewWorker creates a Worker. newSource is called once per connection
// attempt so a fresh *kafka.Reader is opened on every reconnect.
func NewWorker(newSource func() Source, processor *Processor) *Worker {
	return &Worker{NewSource: newSource, Processor: processor}
}

// Run consumes until ctx is cancelled, reconnecting after any unexpected
// error. It returns only once ctx is done, with ctx's error.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := w.consumeSession(ctx)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		slog.Error("ingest: consumer session ended, reconnecting", "error", err.Error(), "backoff", reconnectBackoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
}

// consumeSession owns one Source for its entire lifetime, closing it on
// return regardless of outcome.
func (w *Worker) consumeSession(ctx context.Context) error {
	source := w.NewSource()
	defer source.Close()

	for {
		msg, err := source.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if procErr := w.Processor.ProcessMessage(ctx, msg.Value); procErr != nil {
			var dataErr *DataError
			if errors.As(procErr, &dataErr) {
				slog.Warn("ingest: skipping unusable event", "error", procErr.Error(), "partition", msg.Partition, "offset", msg.Offset)
				w.Processor.incErrors()
			} else {
				return procErr
			}
		}

		if err := source.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

// staticSource adapts an already-open Source for NewSource funcs in tests
// that want a single fixed source instead of reconnect-on-demand.
func staticSource(s Source) func() Source {
	return func() Source { return s }
}
