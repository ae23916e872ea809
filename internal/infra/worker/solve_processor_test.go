package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"plate-solver-service/internal/config"
	"plate-solver-service/internal/domain"
	"plate-solver-service/internal/domain/model"
	"plate-solver-service/internal/infra/solver"

	"github.com/rs/zerolog"
)

// --- In-memory fakes for the store ports ---

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: map[string]*model.Job{}}
}

func (m *memJobRepo) Create(ctx context.Context, job *model.Job, retention time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobRepo) Find(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobRepo) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = model.JobStatusProcessing
		job.StartedAt = &startedAt
	}
	return nil
}

func (m *memJobRepo) Finalize(ctx context.Context, id string, status model.JobStatus, completedAt time.Time, result *model.SolveResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = status
		job.CompletedAt = &completedAt
		job.Result = result
	}
	return nil
}

func (m *memJobRepo) SetStatus(ctx context.Context, id string, status model.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = status
	}
	return nil
}

type memCounter struct {
	mu    sync.Mutex
	value int64
}

func (c *memCounter) Active(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, nil
}

func (c *memCounter) Incr(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return nil
}

func (c *memCounter) Decr(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value--
	return nil
}

type memSet struct {
	mu      sync.Mutex
	members map[string]bool
}

func newMemSet() *memSet {
	return &memSet{members: map[string]bool{}}
}

func (s *memSet) Add(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[id] = true
	return nil
}

func (s *memSet) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, id)
	return nil
}

func (s *memSet) Members(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	return out, nil
}

// --- Tests ---

const solvingScript = `#!/bin/sh
img="$2"
base="${img%.*}"
cat > "$base.wcs" <<'EOF'
CRVAL1 = 10.5
CRVAL2 = -5.0
EOF
`

func newTestProcessor(t *testing.T, script string, timeout time.Duration) (*SolveProcessor, *memJobRepo, *memCounter, *memSet) {
	t.Helper()
	dir := t.TempDir()
	cli := filepath.Join(dir, "fake_astap")
	if err := os.WriteFile(cli, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake solver: %v", err)
	}
	logger := zerolog.Nop()
	runner := solver.NewRunner(config.SolverConfig{CLIPath: cli, DataDir: dir, Timeout: timeout}, &logger)

	jobs := newMemJobRepo()
	counter := &memCounter{}
	set := newMemSet()
	return NewSolveProcessor(jobs, counter, set, runner, &logger), jobs, counter, set
}

func queueTestJob(t *testing.T, jobs *memJobRepo) *model.Job {
	t.Helper()
	img := filepath.Join(t.TempDir(), "m42.fits")
	if err := os.WriteFile(img, []byte("image data"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	job := &model.Job{
		ID:        "job-1",
		Status:    model.JobStatusQueued,
		Filename:  "m42.fits",
		ImagePath: img,
		CreatedAt: time.Now(),
	}
	if err := jobs.Create(context.Background(), job, time.Hour); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func admit(ctx context.Context, t *testing.T, counter *memCounter, set *memSet, id string) {
	t.Helper()
	if err := counter.Incr(ctx); err != nil {
		t.Fatal(err)
	}
	if err := set.Add(ctx, id); err != nil {
		t.Fatal(err)
	}
}

func TestProcessCompletesSolvedJob(t *testing.T) {
	ctx := context.Background()
	proc, jobs, counter, set := newTestProcessor(t, solvingScript, 30*time.Second)
	job := queueTestJob(t, jobs)
	admit(ctx, t, counter, set, job.ID)

	proc.Process(ctx, job.ID)

	got, err := jobs.Find(ctx, job.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != model.JobStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Result == nil || !got.Result.Solved {
		t.Fatalf("result = %+v, want solved", got.Result)
	}
	if got.Result.RA != 10.5 || got.Result.Dec != -5.0 {
		t.Errorf("ra/dec = %v/%v, want 10.5/-5.0", got.Result.RA, got.Result.Dec)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("startedAt/completedAt must be set")
	}
	if got.StartedAt != nil && got.CompletedAt != nil && got.CompletedAt.Before(*got.StartedAt) {
		t.Error("completedAt must not precede startedAt")
	}

	if n, _ := counter.Active(ctx); n != 0 {
		t.Errorf("counter = %d, want 0 after release", n)
	}
	if members, _ := set.Members(ctx); len(members) != 0 {
		t.Errorf("processing set = %v, want empty", members)
	}
	if _, err := os.Stat(job.ImagePath); !os.IsNotExist(err) {
		t.Error("input artifact must be deleted")
	}
}

func TestProcessRecordsTimeout(t *testing.T) {
	script := "#!/bin/sh\nsleep 10 </dev/null >/dev/null 2>&1\n"
	ctx := context.Background()
	proc, jobs, counter, set := newTestProcessor(t, script, 100*time.Millisecond)
	job := queueTestJob(t, jobs)
	admit(ctx, t, counter, set, job.ID)

	proc.Process(ctx, job.ID)

	got, err := jobs.Find(ctx, job.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.Status.Terminal() {
		t.Fatalf("status = %s, want terminal", got.Status)
	}
	if got.Result == nil || got.Result.Reason != model.ReasonToolTimeout {
		t.Fatalf("result = %+v, want reason tool_timeout", got.Result)
	}
	if got.Result.Solved {
		t.Error("timed out job must not be solved")
	}
	if n, _ := counter.Active(ctx); n != 0 {
		t.Errorf("counter = %d, want 0 after release", n)
	}
	if _, err := os.Stat(job.ImagePath); !os.IsNotExist(err) {
		t.Error("input artifact must be deleted on the timeout path too")
	}
}

func TestProcessReleasesSlotForMissingRecord(t *testing.T) {
	ctx := context.Background()
	proc, _, counter, set := newTestProcessor(t, solvingScript, time.Second)
	admit(ctx, t, counter, set, "ghost")

	proc.Process(ctx, "ghost")

	if n, _ := counter.Active(ctx); n != 0 {
		t.Errorf("counter = %d, want 0 even when the record expired", n)
	}
	if members, _ := set.Members(ctx); len(members) != 0 {
		t.Errorf("processing set = %v, want empty", members)
	}
}
