package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cubered/internal/logging"
	"cubered/internal/metrics"
)

// Stage names a reduction step.
type Stage string

const (
	StageMasters      Stage = "masters"
	StageCalibration  Stage = "calibration"
	StageSelection    Stage = "frame_selection"
	StageRegistration Stage = "registration"
	StageCoadd        Stage = "coadd"
	StageDerotate     Stage = "derotate"
	StageFile         Stage = "file"
)

// Stages lists the per-file stages in execution order.
var Stages = []Stage{StageCalibration, StageSelection, StageRegistration, StageCoadd, StageDerotate}

// Job is one raw cube to reduce.
type Job struct {
	ID     string
	RunID  string
	Input  string
	Camera int
}

// StageReport is the outcome of one stage on one file (or one polarimetric
// state of a file).
type StageReport struct {
	Stage    Stage
	Input    string
	State    StageState
	Outputs  []string
	Duration time.Duration
	Error    string
}

// Result captures the outcome of a Job.
type Result struct {
	Job     Job
	Outputs []string
	Stages  []StageReport
	Error   error
}

// Processor reduces one file.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline dispatches jobs to a fixed pool of workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	hub       *Hub
	metrics   *metrics.PipelineMetrics
	onResult  func(Result)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithResultHandler calls fn from the worker goroutine after every job.
func WithResultHandler(fn func(Result)) Option {
	return func(p *Pipeline) { p.onResult = fn }
}

// WithMetrics records worker occupancy and file outcomes.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline with the given concurrency and starts its workers.
// hub may be nil.
func New(ctx context.Context, concurrency int, logger *slog.Logger, processor Processor, hub *Hub, opts ...Option) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		hub:       hub,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job without blocking.
func (p *Pipeline) Submit(job Job) error {
	select {
	case p.jobs <- job:
		return nil
	default:
		return errors.New("job queue is full")
	}
}

// Enqueue adds a job, waiting for queue space until ctx ends.
func (p *Pipeline) Enqueue(ctx context.Context, job Job) error {
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain closes the queue and waits for queued jobs to finish.
func (p *Pipeline) Drain() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		p.cancel()
	})
}

// Stop cancels in-flight work, drops queued jobs and waits for the workers.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			p.metrics.WorkerStarted()
			p.log.Debug("file started", "worker", id, "input", job.Input, "camera", job.Camera)

			res := p.processor.Process(ctx, job)
			duration := time.Since(start)
			p.metrics.WorkerDone()

			ev := Event{RunID: job.RunID, Input: job.Input, Stage: StageFile, Outputs: res.Outputs, Time: time.Now()}
			if res.Error != nil {
				logging.LogStageError(p.log, string(StageFile), job.Input, duration, res.Error)
				p.metrics.RecordFile(string(StateFailed))
				ev.State, ev.Error = StateFailed, res.Error.Error()
			} else {
				p.log.Info("file reduced", "input", job.Input, "outputs", len(res.Outputs), "duration_ms", duration.Milliseconds())
				p.metrics.RecordFile(string(StateDone))
				ev.State = StateDone
			}
			p.hub.Publish(ev)
			if p.onResult != nil {
				p.onResult(res)
			}
		}
	}
}

// Event reports a state change for the status streams.
type Event struct {
	RunID   string     `json:"run_id"`
	Input   string     `json:"input"`
	Stage   Stage      `json:"stage"`
	State   StageState `json:"state"`
	Outputs []string   `json:"outputs,omitempty"`
	Error   string     `json:"error,omitempty"`
	Time    time.Time  `json:"time"`
}

// Hub fans events out to subscribers. Slow subscribers miss events rather
// than block workers. A nil *Hub drops everything.
type Hub struct {
	log       *slog.Logger
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{log: logger, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 32)
	h.subs[id] = ch
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

// Publish delivers ev to every subscriber that has room.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warn("event channel full", "subscriber", id, "input", ev.Input, "stage", ev.Stage)
		}
	}
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
