package batch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/docuflow/internal/bus"
	"github.com/docuflow/docuflow/internal/format"
	"github.com/docuflow/docuflow/internal/models"
	"github.com/docuflow/docuflow/internal/pipeline"
	"github.com/docuflow/docuflow/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// countingProcessor records how many times it ran and for which jobs.
type countingProcessor struct {
	mu    sync.Mutex
	calls int
	jobs  []string
	delay time.Duration
	block chan struct{}
}

func (p *countingProcessor) Process(ctx context.Context, job *models.JobRecord) (*pipeline.Result, error) {
	p.mu.Lock()
	p.calls++
	p.jobs = append(p.jobs, job.ID)
	p.mu.Unlock()
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return &pipeline.Result{OutputRef: "out/" + job.ID}, nil
}

func (p *countingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newCoordinator(t *testing.T, proc pipeline.Processor, opts ...Option) (*Coordinator, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	p := pipeline.New(st, proc, nil, nil, testLogger())
	return New(format.Default(), st, p, nil, testLogger(), opts...), st
}

func TestSubmitBatchFailsFastOnIllegalConversion(t *testing.T) {
	ctx := context.Background()
	proc := &countingProcessor{}
	c, st := newCoordinator(t, proc)

	run, err := c.SubmitBatch(ctx, []Source{
		{Name: "a.docx", Format: "docx"},
		{Name: "b.docx", Format: "xyz"},
		{Name: "c.xyz", Format: "docx"},
	}, "pdf", models.Options{})
	require.NoError(t, err)
	require.NoError(t, run.Wait(ctx))

	summary, err := run.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)

	// The illegal item failed without a processor call.
	assert.Equal(t, 2, proc.count())

	failed := summary.Items[1]
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, models.ReasonUnsupportedConversion, failed.FailureReason)

	// And it never entered processing.
	job, err := st.GetJob(ctx, failed.JobID)
	require.NoError(t, err)
	assert.Nil(t, job.StartedAt)
}

func TestIllegalItemPublishesNoEvent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	b := bus.New()

	var eventJobs sync.Map
	b.Subscribe(bus.MatchAll, func(evt models.DomainEvent) {
		eventJobs.Store(evt.Payload["job_id"], evt.Type)
	})

	p := pipeline.New(st, &countingProcessor{}, b, nil, testLogger())
	c := New(format.Default(), st, p, nil, testLogger())

	run, err := c.SubmitBatch(ctx, []Source{
		{Name: "legal.docx", Format: "docx"},
		{Name: "illegal.docx", Format: "docx"},
	}, "pdf", models.Options{})
	require.NoError(t, err)

	// Second item targets xyz via its own batch to make it illegal.
	run2, err := c.SubmitBatch(ctx, []Source{{Name: "illegal.docx", Format: "docx"}}, "xyz", models.Options{})
	require.NoError(t, err)

	require.NoError(t, run.Wait(ctx))
	require.NoError(t, run2.Wait(ctx))
	b.Close()

	summary2, err := run2.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary2.Failed)

	if _, ok := eventJobs.Load(summary2.Items[0].JobID); ok {
		t.Error("illegal item must not publish a domain event")
	}
	// Legal items did publish.
	summary, err := run.Summary(ctx)
	require.NoError(t, err)
	for _, item := range summary.Items {
		if _, ok := eventJobs.Load(item.JobID); !ok {
			t.Errorf("missing event for completed job %s", item.JobID)
		}
	}
}

func TestSummaryPreservesSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	proc := &countingProcessor{}
	c, _ := newCoordinator(t, proc)

	sources := []Source{
		{Name: "1.docx", Format: "docx"},
		{Name: "2.md", Format: "md"},
		{Name: "3.html", Format: "html"},
		{Name: "4.txt", Format: "txt"},
	}
	run, err := c.SubmitBatch(ctx, sources, "pdf", models.Options{})
	require.NoError(t, err)
	require.NoError(t, run.Wait(ctx))

	summary, err := run.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Items, len(sources))
	for i, item := range summary.Items {
		assert.Equal(t, sources[i].Name, item.SourceName, "item %d out of order", i)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	proc := pipeline.ProcessorFunc(func(_ context.Context, _ *models.JobRecord) (*pipeline.Result, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &pipeline.Result{OutputRef: "out"}, nil
	})

	c, _ := newCoordinator(t, proc, WithConcurrency(2))

	sources := make([]Source, 8)
	for i := range sources {
		sources[i] = Source{Name: "f.docx", Format: "docx"}
	}
	run, err := c.SubmitBatch(ctx, sources, "pdf", models.Options{})
	require.NoError(t, err)
	require.NoError(t, run.Wait(ctx))

	assert.LessOrEqual(t, peak.Load(), int32(2), "worker pool exceeded its bound")
}

func TestCancelStopsQueuedDispatch(t *testing.T) {
	ctx := context.Background()
	proc := &countingProcessor{block: make(chan struct{})}
	c, _ := newCoordinator(t, proc, WithConcurrency(1))

	sources := make([]Source, 5)
	for i := range sources {
		sources[i] = Source{Name: "f.docx", Format: "docx"}
	}
	run, err := c.SubmitBatch(ctx, sources, "pdf", models.Options{})
	require.NoError(t, err)

	// Wait for the first item to start, then cancel.
	require.Eventually(t, func() bool { return proc.count() >= 1 }, time.Second, 5*time.Millisecond)
	run.Cancel()
	close(proc.block)
	require.NoError(t, run.Wait(ctx))

	summary, err := run.Summary(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	// The in-flight item ran to completion; queued items stayed pending.
	assert.GreaterOrEqual(t, summary.Completed, 1)
	assert.Greater(t, summary.Pending, 0, "queued items must not be dispatched after cancel")
	assert.LessOrEqual(t, proc.count(), 2)
}

func TestOCRBatchRejectsUnreadableFormats(t *testing.T) {
	ctx := context.Background()
	proc := &countingProcessor{}
	c, _ := newCoordinator(t, proc)

	run, err := c.SubmitOCRBatch(ctx, []Source{
		{Name: "scan.pdf", Format: "pdf"},
		{Name: "sheet.xlsx", Format: "xlsx"},
	}, models.Options{OCRLanguage: "en"})
	require.NoError(t, err)
	require.NoError(t, run.Wait(ctx))

	summary, err := run.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, models.ReasonUnsupportedConversion, summary.Items[1].FailureReason)
	assert.Equal(t, 1, proc.count())
}

func TestSubmitBatchRejectsInvalidOptions(t *testing.T) {
	c, _ := newCoordinator(t, &countingProcessor{})
	_, err := c.SubmitBatch(context.Background(), []Source{{Name: "a.docx", Format: "docx"}}, "pdf",
		models.Options{OCRLanguage: "en"})
	assert.ErrorIs(t, err, models.ErrInvalidOptions)
}

func TestSubmitBatchRejectsEmpty(t *testing.T) {
	c, _ := newCoordinator(t, &countingProcessor{})
	_, err := c.SubmitBatch(context.Background(), nil, "pdf", models.Options{})
	assert.Error(t, err)
}

func TestGetRegisteredRun(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, &countingProcessor{})

	run, err := c.SubmitBatch(ctx, []Source{{Name: "a.docx", Format: "docx"}}, "pdf", models.Options{})
	require.NoError(t, err)

	got, ok := c.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, run.ID, got.ID)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestEnqueueSingleJob(t *testing.T) {
	ctx := context.Background()
	proc := &countingProcessor{}
	st := store.NewMemory()
	p := pipeline.New(st, proc, nil, nil, testLogger())
	c := New(format.Default(), st, p, nil, testLogger())

	job := models.NewJob(models.KindConversion, "a.docx", "docx", "pdf", models.Options{})
	require.NoError(t, st.CreateJob(ctx, job))

	run := c.Enqueue(job)
	require.NoError(t, run.Wait(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}
