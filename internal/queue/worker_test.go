package queue

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/inference"
	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/llm"
	"github.com/codebuildervaibhav/call-insights/internal/pipeline"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// instantAnalytics finishes every job on its first poll with an empty
// annotation set.
type instantAnalytics struct {
	store storage.BlobStore
}

func (a instantAnalytics) Submit(_ context.Context, req jobs.Request) (jobs.Handle, error) {
	return jobs.Handle{Kind: req.Kind, JobID: string(req.Kind), OutputKey: req.OutputKey}, nil
}

func (a instantAnalytics) TryFetch(ctx context.Context, h jobs.Handle) ([]byte, error) {
	data, err := inference.EncodeAnnotations(nil)
	if err != nil {
		return nil, err
	}
	return data, a.store.Put(ctx, h.OutputKey, data, "application/gzip")
}

type panickingGenerator struct{}

func (panickingGenerator) Generate(context.Context, string) (string, error) {
	panic("model crashed")
}

type answerGenerator struct{}

func (answerGenerator) Generate(context.Context, string) (string, error) {
	return "fine", nil
}

type fixture struct {
	blobs *storage.BadgerStore
	cp    pipeline.RecordCheckpointer
	clock *fakeClock
	pool  *WorkerPool
}

func newFixture(t *testing.T, gen llm.TextGenerator) *fixture {
	t.Helper()
	blobs, err := storage.NewInMemoryBadgerStore("calls")
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })
	records, err := storage.NewRecordStore(":memory:")
	if err != nil {
		t.Fatalf("record store: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	p := pipeline.New(pipeline.Deps{
		Blobs:     blobs,
		Analytics: instantAnalytics{store: blobs},
		Generator: gen,
		Clock:     clock,
		Log:       log,
	}, pipeline.DefaultSettings())
	cp := pipeline.RecordCheckpointer{Store: records}

	pool := NewWorkerPool(2, pipeline.NewRunner(p, nil, cp), cp, log)
	pool.schedule = func(d time.Duration, f func()) func() {
		go func() {
			clock.Sleep(context.Background(), d)
			f()
		}()
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return &fixture{blobs: blobs, cp: cp, clock: clock, pool: pool}
}

func (f *fixture) textExecution(t *testing.T, id string) *pipeline.Execution {
	t.Helper()
	key := "inbox/" + id + ".txt"
	if err := f.blobs.Put(context.Background(), key, []byte("Agent: hello\nCustomer: hi\n"), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	return pipeline.NewExecution(id, "calls", key, f.clock.Now())
}

// await drains a subscription and returns the last status seen.
func await(t *testing.T, ch <-chan Status) Status {
	t.Helper()
	var last Status
	timeout := time.After(10 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return last
			}
			last = s
		case <-timeout:
			t.Fatalf("execution did not finish, last status %+v", last)
		}
	}
}

func TestWorkerPoolRunsExecutionToCompletion(t *testing.T) {
	f := newFixture(t, answerGenerator{})
	ex := f.textExecution(t, "exec-1")

	ch, cancel := f.pool.Subscribe(ex.ID)
	defer cancel()
	if err := f.pool.Enqueue(ex); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	final := await(t, ch)
	if final.Status != types.StatusSucceeded || final.State != string(pipeline.StateSucceed) {
		t.Fatalf("unexpected final status: %+v", final)
	}
	if s, ok := f.pool.Status(ex.ID); !ok || !s.Terminal() {
		t.Errorf("Status = %+v, %v", s, ok)
	}
	saved, err := f.cp.Load(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved.State != pipeline.StateSucceed {
		t.Errorf("checkpoint left in %s", saved.State)
	}
	if _, err := f.blobs.Get(context.Background(), "output/exec-1.txt/exec-1/exec-1.txt.json"); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	f := newFixture(t, panickingGenerator{})
	ex := f.textExecution(t, "exec-1")

	ch, cancel := f.pool.Subscribe(ex.ID)
	defer cancel()
	if err := f.pool.Enqueue(ex); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	final := await(t, ch)
	if final.Status != types.StatusFailed || !strings.Contains(final.Error, "worker panic") {
		t.Fatalf("unexpected final status: %+v", final)
	}
}

func TestWorkerPoolResumesCheckpointedExecutions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, answerGenerator{})
	ex := f.textExecution(t, "exec-7")
	if err := f.cp.Save(ctx, ex); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ch, cancel := f.pool.Subscribe(ex.ID)
	defer cancel()
	n, err := f.pool.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	if final := await(t, ch); final.Status != types.StatusSucceeded {
		t.Fatalf("unexpected final status: %+v", final)
	}

	n, err = f.pool.Resume(ctx)
	if err != nil || n != 0 {
		t.Errorf("finished executions must not resume: %d, %v", n, err)
	}
}

func TestSubscribeAfterFinish(t *testing.T) {
	f := newFixture(t, answerGenerator{})
	f.pool.publish(Status{ExecutionID: "done", State: string(pipeline.StateFail), Status: types.StatusFailed})

	ch, cancel := f.pool.Subscribe("done")
	defer cancel()
	if s := await(t, ch); s.Status != types.StatusFailed {
		t.Errorf("unexpected status %+v", s)
	}
}
