package analyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recoveryflow/blobstore"
	"recoveryflow/importjob"
	"recoveryflow/importrow"
)

type fakeRegistry struct {
	mu       sync.Mutex
	imp      importjob.Import
	counts   importjob.Counts
	failMsg  string
	stalled  []importjob.Import
	markErrs map[string]error
	marked   []string
}

func (f *fakeRegistry) Get(_ context.Context, id string) (importjob.Import, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.imp.ID {
		return importjob.Import{}, importjob.ErrNotFound
	}
	return f.imp, nil
}

func (f *fakeRegistry) RequestAnalysis(_ context.Context, id, _ string) (importjob.Import, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imp.Status == importjob.StatusProcessing {
		return importjob.Import{}, importjob.ErrAnalysisInProgress
	}
	if !importjob.CanTransition(f.imp.Status, importjob.StatusProcessing) {
		return importjob.Import{}, importjob.ErrInvalidTransition
	}
	f.imp.Status = importjob.StatusProcessing
	return f.imp, nil
}

func (f *fakeRegistry) CompleteAnalysis(_ context.Context, _ string, counts importjob.Counts) (importjob.Import, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imp.Status != importjob.StatusProcessing {
		return importjob.Import{}, importjob.ErrInvalidTransition
	}
	f.imp.Status = importjob.StatusReadyForReview
	f.counts = counts
	return f.imp, nil
}

func (f *fakeRegistry) MarkFailed(_ context.Context, id, message string) (importjob.Import, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.markErrs[id]; err != nil {
		return importjob.Import{}, err
	}
	f.marked = append(f.marked, id)
	if id == f.imp.ID {
		f.imp.Status = importjob.StatusFailed
		f.failMsg = message
	}
	return f.imp, nil
}

func (f *fakeRegistry) ListStalled(_ context.Context, _ time.Duration, _ int) ([]importjob.Import, error) {
	return f.stalled, nil
}

func (f *fakeRegistry) Bucket() string { return "imports" }

func (f *fakeRegistry) status() importjob.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imp.Status
}

type fakeRowWriter struct {
	drafts []importrow.Draft
	err    error
	panic  any
}

func (f *fakeRowWriter) ReplaceForImport(_ context.Context, _ string, drafts []importrow.Draft) (importjob.Counts, error) {
	if f.panic != nil {
		panic(f.panic)
	}
	if f.err != nil {
		return importjob.Counts{}, f.err
	}
	f.drafts = drafts
	return importjob.Counts{Total: len(drafts), Valid: len(drafts)}, nil
}

type memBlobs struct {
	objects map[string][]byte
}

func (m *memBlobs) Upload(_ context.Context, _, key string, body []byte, _ string) (string, error) {
	m.objects[key] = body
	return key, nil
}

func (m *memBlobs) Download(_ context.Context, _, key string) ([]byte, error) {
	b, ok := m.objects[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return b, nil
}

func (m *memBlobs) URL(bucket, key string) string { return bucket + "/" + key }

type recordingQueue struct {
	jobs []Job
	err  error
}

func (q *recordingQueue) Enqueue(job Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newTestService(t *testing.T, status importjob.Status) (*Service, *fakeRegistry, *fakeRowWriter, *memBlobs) {
	t.Helper()
	reg := &fakeRegistry{imp: importjob.Import{ID: "imp-1", FilePath: "imports/bank/imp-1.xlsx", Status: status}}
	rows := &fakeRowWriter{}
	blobs := &memBlobs{objects: map[string][]byte{}}
	return NewService(reg, rows, blobs, nil), reg, rows, blobs
}

func TestRun_QueuesJobAndReturnsProcessing(t *testing.T) {
	svc, reg, _, _ := newTestService(t, importjob.StatusUploaded)
	q := &recordingQueue{}
	svc.SetQueue(q)

	imp, err := svc.Run(context.Background(), "imp-1", "op-1")
	require.NoError(t, err)
	assert.Equal(t, importjob.StatusProcessing, imp.Status)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "imports/bank/imp-1.xlsx", q.jobs[0].FilePath)
	assert.Equal(t, importjob.StatusProcessing, reg.status())
}

func TestRun_RejectsSecondRequest(t *testing.T) {
	svc, _, _, _ := newTestService(t, importjob.StatusProcessing)
	q := &recordingQueue{}
	svc.SetQueue(q)

	_, err := svc.Run(context.Background(), "imp-1", "op-1")
	require.ErrorIs(t, err, importjob.ErrAnalysisInProgress)
	assert.Empty(t, q.jobs)
}

func TestRun_QueueFullFailsImport(t *testing.T) {
	svc, reg, _, _ := newTestService(t, importjob.StatusUploaded)
	svc.SetQueue(&recordingQueue{err: ErrQueueFull})

	_, err := svc.Run(context.Background(), "imp-1", "op-1")
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, importjob.StatusFailed, reg.status())
}

func TestProcess_CompletesWithCounts(t *testing.T) {
	svc, reg, rows, blobs := newTestService(t, importjob.StatusProcessing)
	blobs.objects["imports/bank/imp-1.xlsx"] = workbook(t,
		[]any{"reference", "type", "nom", "principal"},
		[]any{"R1", "pp", "Ba", "100"},
		[]any{"R2", "pp", "Sy", "200"},
	)

	err := svc.Process(context.Background(), Job{ImportID: "imp-1", FilePath: "imports/bank/imp-1.xlsx"})
	require.NoError(t, err)
	assert.Equal(t, importjob.StatusReadyForReview, reg.status())
	assert.Equal(t, 2, reg.counts.Total)
	require.Len(t, rows.drafts, 2)
	assert.Equal(t, "R2", rows.drafts[1].Record.BankReference)
}

func TestProcess_LooksUpPathWhenMissing(t *testing.T) {
	svc, reg, _, blobs := newTestService(t, importjob.StatusProcessing)
	blobs.objects["imports/bank/imp-1.xlsx"] = workbook(t,
		[]any{"reference"},
		[]any{"R1"},
	)

	require.NoError(t, svc.Process(context.Background(), Job{ImportID: "imp-1"}))
	assert.Equal(t, importjob.StatusReadyForReview, reg.status())
}

func TestProcess_FailuresMarkImportFailed(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(*memBlobs, *fakeRowWriter)
		wantMsg string
	}{
		{
			name:    "missing blob",
			setup:   func(*memBlobs, *fakeRowWriter) {},
			wantMsg: "uploaded file not found",
		},
		{
			name: "unreadable file",
			setup: func(b *memBlobs, _ *fakeRowWriter) {
				b.objects["imports/bank/imp-1.xlsx"] = []byte("not a spreadsheet")
			},
		},
		{
			name: "row store failure",
			setup: func(b *memBlobs, r *fakeRowWriter) {
				b.objects["imports/bank/imp-1.xlsx"] = workbook(t, []any{"reference"}, []any{"R1"})
				r.err = errors.New("connection reset")
			},
			wantMsg: "connection reset",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, reg, rows, blobs := newTestService(t, importjob.StatusProcessing)
			tc.setup(blobs, rows)

			err := svc.Process(context.Background(), Job{ImportID: "imp-1", FilePath: "imports/bank/imp-1.xlsx"})
			require.Error(t, err)
			assert.Equal(t, importjob.StatusFailed, reg.status())
			assert.NotEmpty(t, reg.failMsg)
			if tc.wantMsg != "" {
				assert.Contains(t, reg.failMsg, tc.wantMsg)
			}
		})
	}
}

func TestProcess_CancelledContextStillMarksFailed(t *testing.T) {
	svc, reg, _, blobs := newTestService(t, importjob.StatusProcessing)
	blobs.objects["imports/bank/imp-1.xlsx"] = workbook(t, []any{"reference"}, []any{"R1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := svc.Process(ctx, Job{ImportID: "imp-1", FilePath: "imports/bank/imp-1.xlsx"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, importjob.StatusFailed, reg.status())
	assert.Equal(t, "analysis cancelled", reg.failMsg)
}

func TestProcess_PanicMarksImportFailed(t *testing.T) {
	svc, reg, rows, blobs := newTestService(t, importjob.StatusProcessing)
	blobs.objects["imports/bank/imp-1.xlsx"] = workbook(t, []any{"reference"}, []any{"R1"})
	rows.panic = "nil map write"

	err := svc.Process(context.Background(), Job{ImportID: "imp-1", FilePath: "imports/bank/imp-1.xlsx"})
	require.ErrorIs(t, err, ErrCrashed)
	assert.Equal(t, importjob.StatusFailed, reg.status())
	assert.Equal(t, "analysis crashed", reg.failMsg)
}

func TestDispatcher_PanickingJobFailsImport(t *testing.T) {
	svc, reg, rows, blobs := newTestService(t, importjob.StatusProcessing)
	blobs.objects["imports/bank/imp-1.xlsx"] = workbook(t, []any{"reference"}, []any{"R1"})
	rows.panic = "index out of range"

	d := NewDispatcher(1, 1, time.Second, svc.Process, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()
	require.NoError(t, d.Enqueue(Job{ImportID: "imp-1", FilePath: "imports/bank/imp-1.xlsx"}))

	require.Eventually(t, func() bool {
		return reg.status() == importjob.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, "analysis crashed", reg.failMsg)
}
