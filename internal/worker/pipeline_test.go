package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioage/reset-backend/internal/artifact"
	"github.com/bioage/reset-backend/internal/assessment"
	"github.com/bioage/reset-backend/internal/insight"
	"github.com/bioage/reset-backend/internal/report"
	"github.com/bioage/reset-backend/internal/worker/domain"
)

// --- fakes ---

type fakeStore struct {
	mu          sync.Mutex
	reports     map[string]*domain.Report
	assessments map[string]*assessment.Assessment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reports:     make(map[string]*domain.Report),
		assessments: make(map[string]*assessment.Assessment),
	}
}

func (f *fakeStore) ClaimReport(_ context.Context, reportID, workerID string, staleAfter time.Duration) (*domain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.reports[reportID]
	if !ok {
		return nil, domain.ErrReportNotFound
	}
	if domain.IsTerminal(rec.Status) {
		return nil, domain.ErrReportTerminal
	}
	if rec.WorkerID != "" && rec.WorkerID != workerID &&
		rec.LastHeartbeatAt != nil && time.Since(*rec.LastHeartbeatAt) < staleAfter {
		return nil, domain.ErrReportClaimed
	}

	if rec.Status == domain.StatusPending {
		rec.Status = domain.StatusGenerating
	}
	rec.WorkerID = workerID
	now := time.Now()
	rec.LastHeartbeatAt = &now

	cp := *rec
	return &cp, nil
}

func (f *fakeStore) GetAssessment(_ context.Context, assessmentID string) (*assessment.Assessment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assessments[assessmentID]
	if !ok {
		return nil, domain.ErrReportNotFound
	}
	return a, nil
}

func (f *fakeStore) SaveInsight(_ context.Context, reportID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.reports[reportID]
	if domain.IsTerminal(rec.Status) {
		return domain.ErrReportTerminal
	}
	rec.InsightJSON = payload
	rec.Status = domain.StatusComposing
	rec.AttemptCount = 0
	return nil
}

func (f *fakeStore) SaveArtifact(_ context.Context, reportID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.reports[reportID]
	if domain.IsTerminal(rec.Status) {
		return domain.ErrReportTerminal
	}
	rec.ArtifactRef = ref
	rec.Status = domain.StatusNotifying
	rec.AttemptCount = 0
	return nil
}

func (f *fakeStore) SetStatus(_ context.Context, reportID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.reports[reportID]
	if domain.IsTerminal(rec.Status) {
		return domain.ErrReportTerminal
	}
	rec.Status = status
	rec.AttemptCount = 0
	return nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, reportID, notifyErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.reports[reportID]
	if domain.IsTerminal(rec.Status) {
		return domain.ErrReportTerminal
	}
	rec.Status = domain.StatusCompleted
	rec.NotifyError = notifyErr
	now := time.Now()
	rec.CompletedAt = &now
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, reportID, kind, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.reports[reportID]
	if domain.IsTerminal(rec.Status) {
		return domain.ErrReportTerminal
	}
	rec.Status = domain.StatusFailed
	rec.LastErrorKind = kind
	rec.LastErrorMessage = message
	now := time.Now()
	rec.CompletedAt = &now
	return nil
}

func (f *fakeStore) IncrementAttempt(_ context.Context, reportID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.reports[reportID]
	if !ok {
		return 0, domain.ErrReportNotFound
	}
	rec.AttemptCount++
	return rec.AttemptCount, nil
}

func (f *fakeStore) Heartbeat(_ context.Context, reportID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.reports[reportID]
	if !ok || rec.WorkerID != workerID || domain.IsTerminal(rec.Status) {
		return nil
	}
	now := time.Now()
	rec.LastHeartbeatAt = &now
	return nil
}

func (f *fakeStore) get(reportID string) domain.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.reports[reportID]
}

type fakeArtifacts struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     int
	failPuts int
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{objects: make(map[string][]byte)}
}

func (f *fakeArtifacts) Put(_ context.Context, ref string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failPuts > 0 {
		f.failPuts--
		return errors.New("storage unavailable")
	}
	f.objects[ref] = data
	return nil
}

func (f *fakeArtifacts) Get(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[ref]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return data, nil
}

func (f *fakeArtifacts) SignedURL(_ context.Context, ref string) (string, error) {
	return "http://localhost:8080/dl/" + ref, nil
}

type sentReport struct {
	to          string
	reportID    string
	downloadURL string
	pdfLen      int
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []sentReport
	failures []string
	sendErr  error
}

func (f *fakeNotifier) SendReport(_ context.Context, to, reportID, downloadURL string, pdf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentReport{to: to, reportID: reportID, downloadURL: downloadURL, pdfLen: len(pdf)})
	return nil
}

func (f *fakeNotifier) SendFailureNotice(_ context.Context, to, reportID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, reportID)
	return nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	delay    time.Duration
	failWith error
	fails    int
	mock     *insight.MockGenerator
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Generate(ctx context.Context, a *assessment.Assessment) (*insight.Payload, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fails > 0 || (f.failWith != nil && f.fails == -1)
	if f.fails > 0 {
		f.fails--
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fail {
		return nil, f.failWith
	}
	return f.mock.Generate(ctx, a)
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- fixture ---

type pipelineFixture struct {
	worker    *Worker
	store     *fakeStore
	artifacts *fakeArtifacts
	notifier  *fakeNotifier
	generator *fakeGenerator
	reportID  string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	store := newFakeStore()
	artifacts := newFakeArtifacts()
	notifier := &fakeNotifier{}
	generator := &fakeGenerator{mock: insight.NewMockGenerator()}

	composer := report.NewComposer()
	composer.Now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }

	w := NewWorker(&Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Storage:           store,
		Generator:         generator,
		Composer:          composer,
		Artifacts:         artifacts,
		Notifier:          notifier,
		Concurrency:       1,
		JobTimeout:        5 * time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
		StageAttempts:     3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        2 * time.Millisecond,
		ClaimStaleAfter:   time.Minute,
	})

	reportID := uuid.New().String()
	assessmentID := uuid.New().String()

	store.assessments[assessmentID] = &assessment.Assessment{
		ID:       assessmentID,
		UserID:   "u-1",
		Language: "en",
		Answers:  map[string]any{"q1": "yes", "q2": 42},
	}
	store.reports[reportID] = &domain.Report{
		ReportID:     reportID,
		UserID:       "u-1",
		UserEmail:    "user@example.com",
		AssessmentID: assessmentID,
		Status:       domain.StatusPending,
		CreatedAt:    time.Now(),
	}

	return &pipelineFixture{
		worker:    w,
		store:     store,
		artifacts: artifacts,
		notifier:  notifier,
		generator: generator,
		reportID:  reportID,
	}
}

func (fx *pipelineFixture) process(t *testing.T) error {
	t.Helper()
	return fx.worker.processReport(context.Background(),
		&domain.ReportJobMessage{ReportID: fx.reportID, Attempt: 0})
}

// --- tests ---

func TestPipeline_EndToEnd(t *testing.T) {
	fx := newPipelineFixture(t)

	err := fx.process(t)
	require.NoError(t, err)

	rec := fx.store.get(fx.reportID)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, artifact.Ref(fx.reportID), rec.ArtifactRef)
	assert.NotEmpty(t, rec.InsightJSON)
	assert.Empty(t, rec.NotifyError)
	require.NotNil(t, rec.CompletedAt)

	stored, err := fx.artifacts.Get(context.Background(), rec.ArtifactRef)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(stored[:4]))

	require.Len(t, fx.notifier.sent, 1)
	assert.Equal(t, "user@example.com", fx.notifier.sent[0].to)
	assert.Contains(t, fx.notifier.sent[0].downloadURL, rec.ArtifactRef)
	assert.Equal(t, len(stored), fx.notifier.sent[0].pdfLen)
}

func TestPipeline_ResumeAtComposing(t *testing.T) {
	fx := newPipelineFixture(t)

	// Simulate a run that crashed after the insight was persisted.
	payload, err := fx.generator.mock.Generate(context.Background(),
		fx.store.assessments[fx.store.reports[fx.reportID].AssessmentID])
	require.NoError(t, err)
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	fx.store.reports[fx.reportID].Status = domain.StatusComposing
	fx.store.reports[fx.reportID].InsightJSON = data

	err = fx.process(t)
	require.NoError(t, err)

	rec := fx.store.get(fx.reportID)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Zero(t, fx.generator.callCount(), "a resumed record must not regenerate the insight")
}

func TestPipeline_ResumeAtNotifying(t *testing.T) {
	fx := newPipelineFixture(t)

	// Simulate a run that crashed after the artifact was persisted.
	ref := artifact.Ref(fx.reportID)
	require.NoError(t, fx.artifacts.Put(context.Background(), ref, []byte("%PDF stored")))

	fx.store.reports[fx.reportID].Status = domain.StatusNotifying
	fx.store.reports[fx.reportID].ArtifactRef = ref
	fx.store.reports[fx.reportID].InsightJSON = []byte(`{"disclaimer":"d","summary":{"bioage_estimate":"x","key_focus":[]},"scores":{},"narrative":"n","plan_90_days":[{"week":1,"focus":"f","actions":["a"]}]}`)

	err := fx.process(t)
	require.NoError(t, err)

	rec := fx.store.get(fx.reportID)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Zero(t, fx.generator.callCount())
	assert.Equal(t, 1, fx.artifacts.puts, "the stored artifact must not be re-uploaded")

	require.Len(t, fx.notifier.sent, 1)
	assert.Equal(t, len("%PDF stored"), fx.notifier.sent[0].pdfLen)
}

func TestPipeline_ConcurrentClaimSingleWinner(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.generator.delay = 50 * time.Millisecond

	other := NewWorker(&Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Storage:           fx.store,
		Generator:         fx.generator,
		Composer:          fx.worker.composer,
		Artifacts:         fx.artifacts,
		Notifier:          fx.notifier,
		Concurrency:       1,
		JobTimeout:        5 * time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
		StageAttempts:     3,
		BackoffBase:       time.Millisecond,
		ClaimStaleAfter:   time.Minute,
	})

	msg := &domain.ReportJobMessage{ReportID: fx.reportID}
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, w := range []*Worker{fx.worker, other} {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			errs[i] = w.processReport(context.Background(), msg)
		}(i, w)
	}
	wg.Wait()

	var winners, losers int
	for _, err := range errs {
		if err == nil {
			winners++
		} else if errors.Is(err, domain.ErrReportClaimed) || errors.Is(err, domain.ErrReportTerminal) {
			losers++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners, "exactly one worker must win the claim")
	assert.Equal(t, 1, losers)

	rec := fx.store.get(fx.reportID)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Len(t, fx.notifier.sent, 1, "the user must be notified exactly once")
}

func TestPipeline_StaleClaimIsReclaimed(t *testing.T) {
	fx := newPipelineFixture(t)

	stale := time.Now().Add(-time.Hour)
	fx.store.reports[fx.reportID].Status = domain.StatusGenerating
	fx.store.reports[fx.reportID].WorkerID = "worker-dead"
	fx.store.reports[fx.reportID].LastHeartbeatAt = &stale

	err := fx.process(t)
	require.NoError(t, err)

	rec := fx.store.get(fx.reportID)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.NotEqual(t, "worker-dead", rec.WorkerID)
}

func TestPipeline_FreshClaimIsNotStolen(t *testing.T) {
	fx := newPipelineFixture(t)

	now := time.Now()
	fx.store.reports[fx.reportID].Status = domain.StatusGenerating
	fx.store.reports[fx.reportID].WorkerID = "worker-alive"
	fx.store.reports[fx.reportID].LastHeartbeatAt = &now

	err := fx.process(t)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReportClaimed)
	assert.False(t, fx.worker.shouldRequeue(err))
}

func TestPipeline_TransientFailureRetriesWithinBudget(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.artifacts.failPuts = 2 // budget is 3

	err := fx.process(t)
	require.NoError(t, err)

	rec := fx.store.get(fx.reportID)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, 3, fx.artifacts.puts)
}

func TestPipeline_StageBudgetExhausted(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.artifacts.failPuts = 100

	err := fx.process(t)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMaxRetriesExceeded)
	assert.False(t, fx.worker.shouldRequeue(err))

	rec := fx.store.get(fx.reportID)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.ErrorKindTransient, rec.LastErrorKind)
	assert.NotEmpty(t, rec.LastErrorMessage)
	assert.Equal(t, 3, fx.artifacts.puts, "attempts must stop at the budget")
	assert.Equal(t, []string{fx.reportID}, fx.notifier.failures)
}

func TestPipeline_ContractErrorFailsImmediately(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.generator.fails = -1
	fx.generator.failWith = fmt.Errorf("%w: response was prose", insight.ErrMalformedResponse)

	err := fx.process(t)

	require.Error(t, err)
	assert.False(t, fx.worker.shouldRequeue(err))

	rec := fx.store.get(fx.reportID)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.ErrorKindContract, rec.LastErrorKind)
	assert.Equal(t, 1, fx.generator.callCount(), "contract errors must not be retried")
	assert.Equal(t, []string{fx.reportID}, fx.notifier.failures)
}

func TestPipeline_NotifyFailureStillCompletes(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.notifier.sendErr = errors.New("smtp unreachable")

	err := fx.process(t)
	require.NoError(t, err, "delivery failure must not fail the report")

	rec := fx.store.get(fx.reportID)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Contains(t, rec.NotifyError, "smtp unreachable")
	assert.Equal(t, artifact.Ref(fx.reportID), rec.ArtifactRef)
}

func TestPipeline_TerminalReportDropped(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.store.reports[fx.reportID].Status = domain.StatusCompleted

	err := fx.process(t)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReportTerminal)
	assert.False(t, fx.worker.shouldRequeue(err))
	assert.Zero(t, fx.generator.callCount())
}

func TestParseDelivery(t *testing.T) {
	id := uuid.New().String()

	msg, err := parseDelivery([]byte(`{"report_id":"` + id + `","attempt":2}`))
	require.NoError(t, err)
	assert.Equal(t, id, msg.ReportID)
	assert.Equal(t, 2, msg.Attempt)

	_, err = parseDelivery([]byte(`not json`))
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)

	_, err = parseDelivery([]byte(`{"report_id":"not-a-uuid"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
}
