package transfer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency bounds simultaneous PUTs when the caller does not choose
const DefaultMaxConcurrency = 4

// CoordinatorConfig configures a Coordinator
type CoordinatorConfig struct {
	// MaxConcurrency bounds in-flight transfers. 0 means unbounded.
	MaxConcurrency int

	// ReissueExpired requests one fresh grant when the transfer client rejects a grant as
	// expired. Only tasks that have not sent a byte are retried, and only once.
	ReissueExpired bool
}

// Result is the outcome of one file in a batch
type Result struct {
	TaskID string
	Name   string
	Key    string
	Status Status
	Bytes  int64
	Err    error
}

// BatchProgress is the aggregate progress of a batch
type BatchProgress struct {
	Percent  float64
	Done     int
	Total    int
	LastTask *Task
}

type BatchProgressFunc func(BatchProgress)

// Coordinator fans a list of payloads out to the transfer client
type Coordinator struct {
	client *Client
	grants GrantResolver
	cfg    CoordinatorConfig
}

func NewCoordinator(client *Client, grants GrantResolver, cfg *CoordinatorConfig) *Coordinator {
	c := CoordinatorConfig{MaxConcurrency: DefaultMaxConcurrency}
	if cfg != nil {
		c = *cfg
	}
	return &Coordinator{
		client: client,
		grants: grants,
		cfg:    c,
	}
}

// UploadAll uploads every payload and blocks until each one is settled.
// It never short-circuits: the result slice has one entry per payload, in input order.
func (c *Coordinator) UploadAll(ctx context.Context, payloads []*Payload, correlationID string, onProgress BatchProgressFunc) []Result {
	return c.Start(ctx, payloads, correlationID, onProgress).Wait()
}

// Start launches the batch and returns immediately
func (c *Coordinator) Start(ctx context.Context, payloads []*Payload, correlationID string, onProgress BatchProgressFunc) *Batch {
	ctx, cancel := context.WithCancel(ctx)

	tasks := make([]*Task, len(payloads))
	for i, p := range payloads {
		tasks[i] = NewTask(p, nil)
	}

	b := &Batch{
		CorrelationID: correlationID,
		tasks:         tasks,
		results:       make([]Result, len(tasks)),
		onProgress:    onProgress,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	go func() {
		defer close(b.done)
		defer cancel()

		var eg errgroup.Group
		if c.cfg.MaxConcurrency > 0 {
			eg.SetLimit(c.cfg.MaxConcurrency)
		}

		for i, task := range tasks {
			eg.Go(func() error {
				b.results[i] = c.run(ctx, task, correlationID, b.taskProgress)
				b.emit(task)
				return nil
			})
		}
		_ = eg.Wait()

		slog.Info("transfer batch", "files", len(tasks), "succeeded", b.count(StatusSucceeded), "failed", b.count(StatusFailed), "cancelled", b.count(StatusCancelled))
	}()

	return b
}

func (c *Coordinator) run(ctx context.Context, task *Task, correlationID string, onProgress ProgressFunc) Result {
	res := Result{TaskID: task.ID, Name: task.Payload.Name}

	settle := func(err error) Result {
		res.Status = task.Status()
		res.Bytes = task.BytesSent()
		res.Key = task.StoredKey()
		res.Err = err
		return res
	}

	if ctx.Err() != nil || task.isCancelled() {
		task.Cancel()
		task.fail(ErrCancelled)
		return settle(ErrCancelled)
	}

	grant, err := c.grants.ResolveGrant(ctx, task.Payload.Name, task.Payload.ContentType, correlationID)
	if err != nil {
		if ctx.Err() != nil {
			task.Cancel()
			task.fail(ErrCancelled)
			return settle(ErrCancelled)
		}
		slog.Error("transfer", "op", "GRANT", "name", task.Payload.Name, "error", err)
		task.fail(err)
		return settle(err)
	}

	task.setGrant(grant)

	_, err = c.client.Submit(ctx, task, onProgress)
	if errors.Is(err, ErrGrantExpired) && c.cfg.ReissueExpired && task.BytesSent() == 0 {
		slog.Warn("transfer", "op", "GRANT", "name", task.Payload.Name, "reason", "expired before transfer, reissuing")
		grant, err = c.grants.ResolveGrant(ctx, task.Payload.Name, task.Payload.ContentType, correlationID)
		if err != nil {
			task.fail(err)
			return settle(err)
		}
		if !task.rearm(grant) {
			return settle(task.Err())
		}
		_, err = c.client.Submit(ctx, task, onProgress)
	}
	if errors.Is(err, ErrCancelled) {
		return settle(ErrCancelled)
	}
	return settle(err)
}

// Batch is a set of transfers started together
type Batch struct {
	CorrelationID string

	tasks      []*Task
	results    []Result
	onProgress BatchProgressFunc
	cancel     context.CancelFunc
	done       chan struct{}

	emitMu      sync.Mutex
	lastPercent float64
}

// Tasks returns the batch's tasks in input order
func (b *Batch) Tasks() []*Task {
	return b.tasks
}

// Done is closed when every task reached a terminal status
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the batch is settled and returns one result per payload
func (b *Batch) Wait() []Result {
	<-b.done
	return b.results
}

// Cancel aborts pending and in-flight transfers. Their results are Cancelled.
func (b *Batch) Cancel() {
	for _, t := range b.tasks {
		t.Cancel()
	}
	b.cancel()
}

// Progress is the unweighted mean of per-file progress, in [0,100]
func (b *Batch) Progress() float64 {
	return aggregate(b.tasks)
}

func aggregate(tasks []*Task) float64 {
	if len(tasks) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tasks {
		sum += t.Percent()
	}
	return min(max(sum/float64(len(tasks)), 0), 100)
}

func (b *Batch) count(s Status) int {
	n := 0
	for _, t := range b.tasks {
		if t.Status() == s {
			n++
		}
	}
	return n
}

func (b *Batch) taskProgress(task *Task, _ float64) {
	b.emit(task)
}

// emit recomputes the aggregate after a per-file tick. Emissions are serialized
// so observers never see the aggregate move backwards.
func (b *Batch) emit(task *Task) {
	if b.onProgress == nil {
		return
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	pct := max(b.Progress(), b.lastPercent)
	b.lastPercent = pct

	done := 0
	for _, t := range b.tasks {
		if t.Status().Terminal() {
			done++
		}
	}

	b.onProgress(BatchProgress{
		Percent:  pct,
		Done:     done,
		Total:    len(b.tasks),
		LastTask: task,
	})
}
