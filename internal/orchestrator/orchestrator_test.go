package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mohammad-safakhou/shelfgate/config"
	"github.com/mohammad-safakhou/shelfgate/internal/cache"
	"github.com/mohammad-safakhou/shelfgate/internal/idempotency"
	"github.com/mohammad-safakhou/shelfgate/internal/logging"
	"github.com/mohammad-safakhou/shelfgate/internal/upstream"
	"github.com/mohammad-safakhou/shelfgate/internal/validate"
)

type fakeUpstream struct {
	mu         sync.Mutex
	nextID     int64
	createErrs []error
	attachErr  error
	updateErr  error
	deleteErr  error

	creates  int
	attaches int
	updates  int
	deletes  []string
	keys     []string
	payloads []any
}

func (f *fakeUpstream) CreateEntity(_ context.Context, _ string, payload any, key string) (upstream.EntityRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.keys = append(f.keys, key)
	f.payloads = append(f.payloads, payload)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.nextID++
	return upstream.EntityRef(f.nextID), nil
}

func (f *fakeUpstream) AttachBinary(context.Context, string, upstream.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	return f.attachErr
}

func (f *fakeUpstream) UpdateEntity(context.Context, string, any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return f.updateErr
}

func (f *fakeUpstream) DeleteEntity(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, path)
	return f.deleteErr
}

type fakeAttachment struct {
	discarded atomic.Bool
}

func (a *fakeAttachment) FileName() string    { return "cover.png" }
func (a *fakeAttachment) ContentType() string { return "image/png" }
func (a *fakeAttachment) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("png")), nil
}
func (a *fakeAttachment) Discard() error {
	a.discarded.Store(true)
	return nil
}

func testConfig(compensation string) config.OrchestratorConfig {
	return config.OrchestratorConfig{
		Compensation:   compensation,
		CreateRetries:  2,
		RetryBackoff:   time.Millisecond,
		IdempotencyTTL: time.Hour,
	}
}

func newTestOrchestrator(up Upstream, compensation string) (*Orchestrator, *idempotency.Store) {
	store := idempotency.NewStore(cache.NewMemory(), time.Hour)
	return New(testConfig(compensation), up, WithStore(store), WithLogger(logging.Discard())), store
}

func bookDraft(key string, att Attachment) Draft {
	d := Draft{
		Kind:           Book,
		Fields:         map[string]string{"title": "Dune", "details": "sci-fi", "author": "3"},
		IdempotencyKey: key,
	}
	if att != nil {
		d.Attachment = att
	}
	return d
}

func TestCreateSuccessWithAttachment(t *testing.T) {
	up := &fakeUpstream{}
	o, _ := newTestOrchestrator(up, CompensationDelete)
	att := &fakeAttachment{}

	res, err := o.Create(context.Background(), bookDraft("submission-1", att))
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, upstream.EntityRef(1), res.Ref)
	assert.NoError(t, res.Err())
	assert.Equal(t, 1, up.attaches)
	assert.True(t, att.discarded.Load(), "staged file must be discarded")
}

func TestAttachFailureDeletesEntityOnce(t *testing.T) {
	up := &fakeUpstream{attachErr: &upstream.Error{Kind: upstream.KindServerFault, Status: 500, Message: "disk full"}}
	o, store := newTestOrchestrator(up, CompensationDelete)
	att := &fakeAttachment{}

	res, err := o.Create(context.Background(), bookDraft("submission-2", att))
	require.NoError(t, err)
	assert.Equal(t, SubResourceAttachFailed, res.Outcome)
	assert.NotEqual(t, Success, res.Outcome)
	assert.True(t, res.Compensated)
	assert.Equal(t, []string{"/books/1"}, up.deletes)
	assert.True(t, att.discarded.Load())

	var partial *PartialFailureError
	require.ErrorAs(t, res.Err(), &partial)
	assert.Equal(t, upstream.EntityRef(1), partial.Ref)
	assert.True(t, partial.Compensated)

	// the orphan is gone, so the same token may be submitted again
	prior, err := store.Begin(context.Background(), Book.Name, "submission-2")
	require.NoError(t, err)
	assert.Nil(t, prior)
}

func TestAttachFailureReportsWhenDeleteFails(t *testing.T) {
	up := &fakeUpstream{
		attachErr: errors.New("attach broke"),
		deleteErr: &upstream.Error{Kind: upstream.KindTransport, Err: errors.New("refused")},
	}
	o, _ := newTestOrchestrator(up, CompensationDelete)

	res, err := o.Create(context.Background(), bookDraft("submission-3", &fakeAttachment{}))
	require.NoError(t, err)
	assert.Equal(t, SubResourceAttachFailed, res.Outcome)
	assert.False(t, res.Compensated)
	assert.Error(t, res.CompensationErr)
	assert.Len(t, up.deletes, 1)
}

func TestReportPolicyKeepsEntity(t *testing.T) {
	up := &fakeUpstream{attachErr: errors.New("attach broke")}
	o, _ := newTestOrchestrator(up, CompensationReport)

	res, err := o.Create(context.Background(), bookDraft("submission-4", &fakeAttachment{}))
	require.NoError(t, err)
	assert.Equal(t, SubResourceAttachFailed, res.Outcome)
	assert.Equal(t, CompensationReport, res.Compensation)
	assert.False(t, res.Compensated)
	assert.Empty(t, up.deletes)

	replayed, err := o.Create(context.Background(), bookDraft("submission-4", nil))
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, SubResourceAttachFailed, replayed.Outcome)
	assert.Equal(t, res.Ref, replayed.Ref)
	assert.Equal(t, 1, up.creates)
}

func TestClientRejectedIsNotRetried(t *testing.T) {
	up := &fakeUpstream{createErrs: []error{&upstream.Error{Kind: upstream.KindClientRejected, Status: 409, Message: "duplicate"}}}
	o, _ := newTestOrchestrator(up, CompensationDelete)
	att := &fakeAttachment{}

	res, err := o.Create(context.Background(), bookDraft("submission-5", att))
	require.NoError(t, err)
	assert.Equal(t, EntityCreateFailed, res.Outcome)
	assert.Equal(t, 1, up.creates)
	assert.Equal(t, 0, up.attaches)
	assert.True(t, att.discarded.Load())

	var ue *upstream.Error
	require.ErrorAs(t, res.Err(), &ue)
	assert.Equal(t, "duplicate", ue.Message)
	assert.Equal(t, 409, ue.Status)
}

func TestTransportFailuresRetryWithSameToken(t *testing.T) {
	transport := &upstream.Error{Kind: upstream.KindTransport, Err: errors.New("connection reset")}
	up := &fakeUpstream{createErrs: []error{transport, transport}}
	o, _ := newTestOrchestrator(up, CompensationDelete)

	res, err := o.Create(context.Background(), bookDraft("submission-6", nil))
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, 3, up.creates)
	assert.Equal(t, []string{"submission-6", "submission-6", "submission-6"}, up.keys)
}

func TestTransportFailuresExhaustRetries(t *testing.T) {
	transport := &upstream.Error{Kind: upstream.KindTransport, Err: errors.New("timeout")}
	up := &fakeUpstream{createErrs: []error{transport, transport, transport, transport}}
	o, _ := newTestOrchestrator(up, CompensationDelete)

	res, err := o.Create(context.Background(), bookDraft("submission-7", nil))
	require.NoError(t, err)
	assert.Equal(t, EntityCreateFailed, res.Outcome)
	assert.Equal(t, 3, up.creates)
	assert.True(t, upstream.IsTransport(res.Err()))
}

func TestServerFaultIsNotRetried(t *testing.T) {
	up := &fakeUpstream{createErrs: []error{&upstream.Error{Kind: upstream.KindServerFault, Status: 500, Message: "boom"}}}
	o, _ := newTestOrchestrator(up, CompensationDelete)
	res, err := o.Create(context.Background(), bookDraft("submission-8", nil))
	require.NoError(t, err)
	assert.Equal(t, EntityCreateFailed, res.Outcome)
	assert.Equal(t, 1, up.creates)
}

func TestReplayedTokenSkipsUpstream(t *testing.T) {
	up := &fakeUpstream{}
	o, _ := newTestOrchestrator(up, CompensationDelete)

	first, err := o.Create(context.Background(), bookDraft("submission-9", nil))
	require.NoError(t, err)
	second, err := o.Create(context.Background(), bookDraft("submission-9", &fakeAttachment{}))
	require.NoError(t, err)

	assert.Equal(t, first.Ref, second.Ref)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, up.creates)
	assert.Equal(t, 0, up.attaches)
}

func TestInFlightTokenIsDuplicate(t *testing.T) {
	up := &fakeUpstream{}
	o, store := newTestOrchestrator(up, CompensationDelete)
	prior, err := store.Begin(context.Background(), Book.Name, "submission-10")
	require.NoError(t, err)
	require.Nil(t, prior)

	_, err = o.Create(context.Background(), bookDraft("submission-10", nil))
	assert.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.Equal(t, 0, up.creates)
}

func TestMalformedTokenIsValidationError(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeUpstream{}, CompensationDelete)
	_, err := o.Create(context.Background(), bookDraft("bad key!", nil))
	assert.ErrorIs(t, err, validate.ErrValidation)
}

func TestCancelledRequestStillCompletes(t *testing.T) {
	up := &fakeUpstream{}
	o, _ := newTestOrchestrator(up, CompensationDelete)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Create(ctx, bookDraft("submission-11", &fakeAttachment{}))
	require.NoError(t, err)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, 1, up.attaches)
}

func TestUpdateAttachFailureKeepsEntity(t *testing.T) {
	up := &fakeUpstream{attachErr: errors.New("attach broke")}
	o, _ := newTestOrchestrator(up, CompensationDelete)
	att := &fakeAttachment{}

	res, err := o.Update(context.Background(), 5, bookDraft("", att))
	require.NoError(t, err)
	assert.Equal(t, SubResourceAttachFailed, res.Outcome)
	assert.Equal(t, CompensationNone, res.Compensation)
	assert.Equal(t, upstream.EntityRef(5), res.Ref)
	assert.Empty(t, up.deletes)
	assert.Equal(t, 1, up.updates)
	assert.True(t, att.discarded.Load())
}

func TestUpdateFailure(t *testing.T) {
	up := &fakeUpstream{updateErr: &upstream.Error{Kind: upstream.KindClientRejected, Status: 404, Message: "Book not found"}}
	o, _ := newTestOrchestrator(up, CompensationDelete)
	res, err := o.Update(context.Background(), 5, bookDraft("", &fakeAttachment{}))
	require.NoError(t, err)
	assert.Equal(t, EntityUpdateFailed, res.Outcome)
	assert.Equal(t, 0, up.attaches)
	assert.True(t, upstream.IsNotFound(res.Err()))
}

func TestDelete(t *testing.T) {
	up := &fakeUpstream{}
	o, _ := newTestOrchestrator(up, CompensationDelete)
	require.NoError(t, o.Delete(context.Background(), Author, 9))
	assert.Equal(t, []string{"/authors/9"}, up.deletes)

	up.deleteErr = &upstream.Error{Kind: upstream.KindClientRejected, Status: 404, Message: "Author not found"}
	err := o.Delete(context.Background(), Author, 10)
	assert.True(t, upstream.IsNotFound(err))
}

// recordingAPI is a minimal upstream that stores what it receives.
type recordingAPI struct {
	mu      sync.Mutex
	nextID  int64
	books   map[int64]map[string]any
	photos  map[int64]string
	creates int
}

func newRecordingAPI() *recordingAPI {
	return &recordingAPI{books: map[int64]map[string]any{}, photos: map[int64]string{}}
}

func (a *recordingAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/books/new":
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.nextID++
		id := a.nextID
		a.books[id] = body
		a.creates++
		a.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]int64{"id": id})
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/books/photo/"):
		_, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error retrieving the file", http.StatusBadRequest)
			return
		}
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/books/photo/"), 10, 64)
		a.mu.Lock()
		a.photos[id] = hdr.Filename
		a.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/books/"):
		id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/books/"), 10, 64)
		a.mu.Lock()
		book, ok := a.books[id]
		a.mu.Unlock()
		if err != nil || !ok {
			http.Error(w, "Book not found", http.StatusNotFound)
			return
		}
		out := map[string]any{"id": id}
		for k, v := range book {
			out[k] = v
		}
		_ = json.NewEncoder(w).Encode(out)
	default:
		http.NotFound(w, r)
	}
}

func TestCreateRoundTripAgainstHTTPUpstream(t *testing.T) {
	api := newRecordingAPI()
	srv := httptest.NewServer(api)
	defer srv.Close()
	client := upstream.New(config.UpstreamConfig{BaseURL: srv.URL, Timeout: time.Second}, upstream.WithLogger(logging.Discard()))
	o, _ := newTestOrchestrator(client, CompensationDelete)

	res, err := o.Create(context.Background(), Draft{
		Kind:   Book,
		Fields: map[string]string{"title": "Dune", "details": "sci-fi", "author_id": "3"},
	})
	require.NoError(t, err)
	require.Equal(t, Success, res.Outcome)

	stored, err := client.GetEntity(context.Background(), Book.Item(int64(res.Ref)))
	require.NoError(t, err)
	assert.Equal(t, json.Number(strconv.FormatInt(int64(res.Ref), 10)), stored["id"])
	assert.Equal(t, "Dune", stored["title"])
	assert.Equal(t, "sci-fi", stored["details"])
	assert.Equal(t, json.Number("3"), stored["author_id"])
	assert.Equal(t, false, stored["is_borrowed"])
	assert.Equal(t, 1, api.creates)

	_, err = client.GetEntity(context.Background(), Book.Item(int64(res.Ref)+1))
	assert.True(t, upstream.IsNotFound(err))
}

func TestFailedCompensationIsReplayedAsDelete(t *testing.T) {
	up := &fakeUpstream{
		attachErr: errors.New("attach broke"),
		deleteErr: &upstream.Error{Kind: upstream.KindTransport, Err: errors.New("refused")},
	}
	o, _ := newTestOrchestrator(up, CompensationDelete)

	first, err := o.Create(context.Background(), bookDraft("submission-12", &fakeAttachment{}))
	require.NoError(t, err)
	require.Equal(t, CompensationDelete, first.Compensation)
	require.False(t, first.Compensated)

	replayed, err := o.Create(context.Background(), bookDraft("submission-12", nil))
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, SubResourceAttachFailed, replayed.Outcome)
	assert.Equal(t, CompensationDelete, replayed.Compensation)
	assert.Equal(t, first.Ref, replayed.Ref)
	assert.Equal(t, 1, up.creates)
}

func TestReplayOfLegacyPartialRecordReports(t *testing.T) {
	res, err := replay(&idempotency.Record{State: idempotency.StatePartial, Ref: 4, Message: "attach broke"})
	require.NoError(t, err)
	assert.Equal(t, CompensationReport, res.Compensation)
	assert.Equal(t, upstream.EntityRef(4), res.Ref)
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestCreateSpansRecordOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	up := &fakeUpstream{}
	store := idempotency.NewStore(cache.NewMemory(), time.Hour)
	o := New(testConfig(CompensationDelete), up,
		WithStore(store), WithLogger(logging.Discard()), WithTracer(tp.Tracer("orchestrator")))

	ok, err := o.Create(context.Background(), bookDraft("submission-13", &fakeAttachment{}))
	require.NoError(t, err)
	require.Equal(t, Success, ok.Outcome)

	up.attachErr = errors.New("attach broke")
	up.deleteErr = errors.New("delete broke")
	partial, err := o.Create(context.Background(), bookDraft("submission-14", &fakeAttachment{}))
	require.NoError(t, err)
	require.Equal(t, SubResourceAttachFailed, partial.Outcome)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	for _, s := range spans {
		assert.Equal(t, "orchestrator.create", s.Name())
	}

	first := spanAttrs(spans[0])
	assert.Equal(t, Success.String(), first["outcome"].AsString())
	assert.Equal(t, int64(ok.Ref), first["entity_id"].AsInt64())
	assert.Equal(t, "book", first["kind"].AsString())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	second := spanAttrs(spans[1])
	assert.Equal(t, SubResourceAttachFailed.String(), second["outcome"].AsString())
	assert.Equal(t, int64(partial.Ref), second["entity_id"].AsInt64())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestRejectedCreateSpanHasNoEntity(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	o := New(testConfig(CompensationDelete), &fakeUpstream{}, WithLogger(logging.Discard()), WithTracer(tp.Tracer("orchestrator")))

	_, err := o.Create(context.Background(), Draft{Kind: Book, Fields: map[string]string{"details": "no title"}})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "rejected", attrs["outcome"].AsString())
	_, hasEntity := attrs["entity_id"]
	assert.False(t, hasEntity)
}
