package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/patientrecord/internal/domain/documents"
	"github.com/ehr/patientrecord/internal/platform/webhook"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	reqs    []ProcessRequest
	ctxErrs []error
	err     error
	block   chan struct{}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req ProcessRequest) error {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	d.ctxErrs = append(d.ctxErrs, ctx.Err())
	return d.err
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *countingMetrics) Dispatch(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

func newRequest() ProcessRequest {
	return ProcessRequest{DocumentID: uuid.New(), UpdateID: uuid.New(), PatientID: uuid.New()}
}

func TestAsyncDispatcher_DetachesFromCallerContext(t *testing.T) {
	next := &recordingDispatcher{}
	metrics := &countingMetrics{}
	d := NewAsyncDispatcher(next, time.Minute, metrics, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	req := newRequest()
	require.NoError(t, d.Dispatch(ctx, req))
	cancel()
	d.Wait()

	require.Len(t, next.reqs, 1)
	assert.Equal(t, req, next.reqs[0])
	assert.NoError(t, next.ctxErrs[0], "cancelling the request must not cancel processing")
	assert.Equal(t, 1, metrics.outcomes["ok"])
}

func TestAsyncDispatcher_FailuresAreSwallowed(t *testing.T) {
	next := &recordingDispatcher{err: errors.New("connection refused")}
	metrics := &countingMetrics{}
	d := NewAsyncDispatcher(next, time.Minute, metrics, zerolog.Nop())

	assert.NoError(t, d.Dispatch(context.Background(), newRequest()))
	d.Wait()
	assert.Equal(t, 1, metrics.outcomes["error"])
}

func TestAsyncDispatcher_CloseWaitsAndRejects(t *testing.T) {
	next := &recordingDispatcher{block: make(chan struct{})}
	metrics := &countingMetrics{}
	d := NewAsyncDispatcher(next, time.Minute, metrics, zerolog.Nop())

	require.NoError(t, d.Dispatch(context.Background(), newRequest()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, d.Dispatch(context.Background(), newRequest()), ErrDispatcherClosed)
	assert.Equal(t, 1, metrics.outcomes["rejected"])

	close(next.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, next.reqs, 1)
}

func TestLocalDispatcher(t *testing.T) {
	e := newEnv()
	d := NewLocalDispatcher(e.processor("v0", SampleExtractor{}))
	require.NoError(t, d.Dispatch(context.Background(), e.req))
	assert.Equal(t, documents.StatusCompleted, e.updates.status(e.req.UpdateID))

	delete(e.docs.docs, e.req.DocumentID)
	e.updates.updates[e.req.UpdateID].Status = documents.StatusPending
	assert.ErrorIs(t, d.Dispatch(context.Background(), e.req), documents.ErrDocumentNotFound)
}

func TestHTTPDispatcher_SignsTrigger(t *testing.T) {
	const secret = "trigger-secret"
	var (
		gotBody []byte
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(webhook.SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := webhook.NewSender(5*time.Second, zerolog.Nop(), webhook.WithSecret(secret))
	d := NewHTTPDispatcher(srv.URL+"/functions/v1/process-document", sender)

	req := newRequest()
	require.NoError(t, d.Dispatch(context.Background(), req))
	assert.True(t, webhook.VerifySignature(gotBody, secret, gotSig))

	var decoded ProcessRequest
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, req, decoded)
}

func TestHTTPDispatcher_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, webhook.NewSender(5*time.Second, zerolog.Nop()))
	assert.Error(t, d.Dispatch(context.Background(), newRequest()))
}
