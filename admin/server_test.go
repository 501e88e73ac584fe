package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/wangyingjie930/nexus-enrich/enrich"
	"github.com/wangyingjie930/nexus-enrich/queue"
	"github.com/wangyingjie930/nexus-enrich/queue/queuetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRunner struct {
	opts   []enrich.BatchOptions
	busy   bool
	report enrich.StatusReport
}

func (f *fakeRunner) RunBatch(_ context.Context, opts enrich.BatchOptions) (enrich.RunStats, error) {
	if f.busy {
		return enrich.RunStats{Busy: true}, enrich.ErrBusy
	}
	f.opts = append(f.opts, opts)
	return enrich.RunStats{RunID: "run-1", Selected: opts.Limit, Processed: opts.Limit}, nil
}

func (f *fakeRunner) Status(context.Context) (enrich.StatusReport, error) {
	return f.report, nil
}

type fakeMaintainer struct {
	staleAfter time.Duration
	olderThan  time.Duration
}

func (f *fakeMaintainer) SweepStalled(_ context.Context, staleAfter time.Duration) (enrich.SweepResult, error) {
	f.staleAfter = staleAfter
	return enrich.SweepResult{Reset: 2, Exhausted: 1}, nil
}

func (f *fakeMaintainer) CleanupCompleted(_ context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return 7, nil
}

type fixture struct {
	srv     *Server
	runner  *fakeRunner
	maint   *fakeMaintainer
	store   queue.Store
	records []*queue.QueueRecord
}

func newFixture(t *testing.T) *fixture {
	store, _ := queuetest.NewStore(t)
	f := &fixture{runner: &fakeRunner{}, maint: &fakeMaintainer{}, store: store}
	f.srv = NewServer(f.runner, f.maint, store, Config{
		Batch:      enrich.BatchOptions{Limit: 25, Concurrency: 4},
		StaleAfter: 10 * time.Minute,
	})
	f.srv.now = func() time.Time { return t0 }

	rec := queuetest.Record("evt-1", t0)
	rec.Subject = datatypes.NewJSONType(queue.Subject{ContactID: "c-1", Email: "a@example.com"})
	f.records = append(f.records, queuetest.MustInsert(t, store, rec))
	return f
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.srv.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestRunBatch(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/admin/run-batch?limit=3")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	stats := decode[enrich.RunStats](t, rr)
	assert.Equal(t, 3, stats.Processed)
	require.Len(t, f.runner.opts, 1)
	assert.Equal(t, 4, f.runner.opts[0].Concurrency, "other options come from config")

	rr = f.do(t, http.MethodPost, "/admin/run-batch")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 25, f.runner.opts[1].Limit)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/run-batch?limit=-1").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/admin/run-batch").Code)

	f.runner.busy = true
	rr = f.do(t, http.MethodPost, "/admin/run-batch")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.True(t, decode[enrich.RunStats](t, rr).Busy)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.runner.report = enrich.StatusReport{
		Counts:  map[queue.Status]int64{queue.StatusPending: 4, queue.StatusFailed: 1},
		Running: true,
	}

	rr := f.do(t, http.MethodGet, "/admin/status")
	require.Equal(t, http.StatusOK, rr.Code)
	report := decode[enrich.StatusReport](t, rr)
	assert.EqualValues(t, 4, report.Counts[queue.StatusPending])
	assert.True(t, report.Running)
}

func TestSweepAndCleanup(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/admin/sweep")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, enrich.SweepResult{Reset: 2, Exhausted: 1}, decode[enrich.SweepResult](t, rr))
	assert.Equal(t, 10*time.Minute, f.maint.staleAfter)

	rr = f.do(t, http.MethodPost, "/admin/cleanup?olderThanHours=48")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 7, decode[map[string]int64](t, rr)["deleted"])
	assert.Equal(t, 48*time.Hour, f.maint.olderThan)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/admin/cleanup").Code)
}

func TestGetRecord(t *testing.T) {
	f := newFixture(t)
	id := f.records[0].ID

	rr := f.do(t, http.MethodGet, "/admin/records/"+itoa(id))
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[RecordView](t, rr)
	assert.Equal(t, "evt-1", view.EventKey)
	assert.Equal(t, queue.StatusPending, view.Status)
	assert.Equal(t, []string{"email"}, view.Needs)
	assert.Equal(t, "a@example.com", view.Subject.Email)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/admin/records/999").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/admin/records/abc").Code)
}

func TestRetryRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.records[0].ID

	// PENDING 记录不能人工重试
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/admin/records/"+itoa(id)+"/retry").Code)

	claimed, err := f.store.Claim(ctx, id, 0, t0)
	require.NoError(t, err)
	require.True(t, claimed)
	failed, err := f.store.Fail(ctx, id, 0, queue.AttemptResult{LastError: "boom"}, t0)
	require.NoError(t, err)
	require.True(t, failed)

	rr := f.do(t, http.MethodPost, "/admin/records/"+itoa(id)+"/retry")
	require.Equal(t, http.StatusOK, rr.Code)

	rec, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.Attempts)
	assert.True(t, rec.Eligible(t0))
}

func TestHealthAndMountedHandler(t *testing.T) {
	f := newFixture(t)
	f.srv.Handle("POST /webhooks/crm", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/webhooks/crm").Code)
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}
