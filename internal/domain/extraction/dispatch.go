package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/patientrecord/internal/platform/webhook"
)

// DispatchMetrics counts trigger outcomes.
type DispatchMetrics interface {
	Dispatch(outcome string)
}

// HTTPDispatcher posts the trigger to a remote process-document endpoint.
type HTTPDispatcher struct {
	url    string
	sender *webhook.Sender
}

func NewHTTPDispatcher(url string, sender *webhook.Sender) *HTTPDispatcher {
	return &HTTPDispatcher{url: url, sender: sender}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req ProcessRequest) error {
	if _, err := d.sender.PostJSON(ctx, d.url, req); err != nil {
		return fmt.Errorf("trigger processing: %w", err)
	}
	return nil
}

// LocalDispatcher runs the processor in-process.
type LocalDispatcher struct {
	processor *Processor
}

func NewLocalDispatcher(p *Processor) *LocalDispatcher {
	return &LocalDispatcher{processor: p}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, req ProcessRequest) error {
	_, err := d.processor.Process(ctx, req)
	return err
}

// Dispatcher is anything that can fire a processing trigger.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ProcessRequest) error
}

// AsyncDispatcher fires triggers on background goroutines so the caller never
// waits. Each trigger gets a context detached from the caller's, bounded by
// timeout. Failures are only logged.
type AsyncDispatcher struct {
	next    Dispatcher
	timeout time.Duration
	metrics DispatchMetrics
	logger  zerolog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewAsyncDispatcher(next Dispatcher, timeout time.Duration, metrics DispatchMetrics, logger zerolog.Logger) *AsyncDispatcher {
	return &AsyncDispatcher{next: next, timeout: timeout, metrics: metrics, logger: logger}
}

// ErrDispatcherClosed is returned once Close has been called.
var ErrDispatcherClosed = errors.New("dispatcher closed")

func (d *AsyncDispatcher) Dispatch(ctx context.Context, req ProcessRequest) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.count("rejected")
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(bg, d.timeout)
		defer cancel()

		if err := d.next.Dispatch(ctx, req); err != nil {
			d.count("error")
			d.logger.Error().Err(err).
				Str("document_id", req.DocumentID.String()).
				Str("update_id", req.UpdateID.String()).
				Msg("processing trigger failed, update left pending")
			return
		}
		d.count("ok")
	}()
	return nil
}

// Wait blocks until every trigger fired so far has finished.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}

// Close rejects new triggers and waits for in-flight ones, or until ctx ends.
func (d *AsyncDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *AsyncDispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.Dispatch(outcome)
	}
}
