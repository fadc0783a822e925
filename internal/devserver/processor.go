package devserver

import (
	"context"
	"log/slog"
	"path"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/syftdrop/internal/wsproto"
	"golang.org/x/time/rate"
)

const (
	jobQueueSize = 1024

	msgInvalidFormat = "Invalid format detected"
)

type processingStep struct {
	Percent     float64
	Description string
}

var processingSteps = []processingStep{
	{Percent: 10, Description: "Validating format"},
	{Percent: 40, Description: "Transcoding"},
	{Percent: 75, Description: "Generating preview"},
	{Percent: 95, Description: "Finalizing"},
}

// job is one stored object waiting for simulated processing
type job struct {
	User          string
	Key           string
	FileName      string
	CorrelationID string
	Size          int64
}

// eventSink delivers a processing event to the uploader's connections
type eventSink interface {
	SendUser(user string, msg *wsproto.Message) bool
}

// Processor simulates out-of-band processing of stored objects and reports it over the hub
type Processor struct {
	cfg  *ProcessingConfig
	sink eventSink
	jobs chan *job

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

func NewProcessor(cfg *ProcessingConfig, sink eventSink) *Processor {
	return &Processor{
		cfg:  cfg,
		sink: sink,
		jobs: make(chan *job, jobQueueSize),
	}
}

func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	slog.Info("processor started", "workers", p.cfg.Workers, "stepDelay", p.cfg.StepDelay)
}

func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	slog.Info("processor stopped")
}

// Enqueue schedules processing. It never blocks the caller; a full queue drops the job.
func (p *Processor) Enqueue(j *job) bool {
	if !p.cfg.Enabled {
		return false
	}
	select {
	case p.jobs <- j:
		return true
	default:
		slog.Warn("processor queue full", "key", j.Key, "user", j.User)
		return false
	}
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.process(ctx, j)
			slog.Debug("processor done", "worker", id, "key", j.Key)
		}
	}
}

func (p *Processor) process(ctx context.Context, j *job) {
	pace := rate.NewLimiter(rate.Every(p.cfg.StepDelay), 1)

	for i, step := range processingSteps {
		if err := pace.Wait(ctx); err != nil {
			return
		}
		p.sink.SendUser(j.User, wsproto.NewProgressUpdate(j.CorrelationID, step.Percent, step.Description))

		// the first step is format validation
		if i == 0 && !p.acceptable(j) {
			slog.Info("processing failed", "key", j.Key, "cid", j.CorrelationID)
			p.sink.SendUser(j.User, wsproto.NewFailed(j.CorrelationID, msgInvalidFormat))
			return
		}
	}

	if err := pace.Wait(ctx); err != nil {
		return
	}
	slog.Info("processing completed", "key", j.Key, "cid", j.CorrelationID)
	p.sink.SendUser(j.User, wsproto.NewCompleted(j.CorrelationID))
}

func (p *Processor) acceptable(j *job) bool {
	if j.Size == 0 {
		return false
	}
	name := path.Base(j.FileName)
	for _, pattern := range p.cfg.FailPatterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return false
		}
	}
	return true
}
