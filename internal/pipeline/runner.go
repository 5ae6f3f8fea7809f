package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"cubered/internal/calib"
	"cubered/internal/config"
	"cubered/internal/derotate"
	"cubered/internal/errors"
	"cubered/internal/fsutil"
	"cubered/internal/geometry"
	"cubered/internal/header"
	"cubered/internal/logging"
	"cubered/internal/metrics"
	"cubered/internal/polarimetry"
	"cubered/internal/products"
	"cubered/internal/storage"
)

// Run statuses persisted in the run history.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Report summarizes one run.
type Report struct {
	RunID     string
	Results   []Result
	Products  []string
	Succeeded int
	Failed    int
	Duration  time.Duration
	Status    string
}

// Runner reduces the cubes of a configuration: master frames first, then every
// file through the worker pool, then run-level products.
type Runner struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
	store      *storage.Store
	metrics    *metrics.PipelineMetrics
	hub        *Hub
	io         CubeIO
	cache      Cache
	memo       *calib.Memo
	previews   Previewer

	mu sync.Mutex // one run at a time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStore records runs, stages, headers and cache digests.
func WithStore(s *storage.Store) RunnerOption { return func(r *Runner) { r.store = s } }

// WithRunMetrics records stage and run outcomes.
func WithRunMetrics(m *metrics.PipelineMetrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithHub publishes stage events.
func WithHub(h *Hub) RunnerOption { return func(r *Runner) { r.hub = h } }

// WithCubeIO replaces FITS/CSV file storage.
func WithCubeIO(io CubeIO) RunnerOption { return func(r *Runner) { r.io = io } }

// WithCache replaces the filesystem cache.
func WithCache(c Cache) RunnerOption { return func(r *Runner) { r.cache = c } }

// WithMemo shares master frames across runs of one process.
func WithMemo(m *calib.Memo) RunnerOption { return func(r *Runner) { r.memo = m } }

// WithPreviewer renders quick-looks of collapsed products.
func WithPreviewer(p Previewer) RunnerOption { return func(r *Runner) { r.previews = p } }

// WithConfigPath is recorded with each run.
func WithConfigPath(path string) RunnerOption { return func(r *Runner) { r.configPath = path } }

func NewRunner(cfg *config.Config, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{cfg: cfg, log: logger}
	for _, opt := range opts {
		opt(r)
	}
	if r.io == nil {
		r.io = FileIO{}
	}
	if r.cache == nil {
		if r.store != nil {
			r.cache = NewFSCache(r.store)
		} else {
			r.cache = NewFSCache(nil)
		}
	}
	if r.memo == nil {
		r.memo = calib.NewMemo(0)
	}
	return r
}

// Config returns the run configuration.
func (r *Runner) Config() *config.Config { return r.cfg }

// Run reduces every cube matching calibration.filenames.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	files, err := fsutil.ListCubes(r.cfg.Directory, r.cfg.Calibration.Filenames)
	if err != nil {
		return nil, err
	}
	return r.RunFiles(ctx, files)
}

// RunFiles reduces the given cubes. Files that fail are reported in the
// Report; the returned error aggregates them. Only configuration problems and
// cancellation before the pool starts return a nil Report.
func (r *Runner) RunFiles(ctx context.Context, files []string) (*Report, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	rep := &Report{RunID: uuid.NewString()}
	rec := reporter{log: r.log, store: r.store, metrics: r.metrics, hub: r.hub}

	if err := r.store.RecordRunStart(storage.RunRecord{
		ID:         rep.RunID,
		Name:       r.cfg.Name,
		ConfigPath: r.configPath,
		Status:     RunRunning,
		Files:      len(files),
		CreatedAt:  start,
	}); err != nil {
		r.log.Warn("failed to record run start", "run_id", rep.RunID, "error", err)
	}
	logging.LogRunStart(r.log, rep.RunID, r.cfg.Name, len(files), r.activeStages())

	jobs, headers, failed := r.readHeaders(rep.RunID, files, rec)
	rep.Results = append(rep.Results, failed...)

	builder := &masterBuilder{
		cfg:    r.cfg,
		log:    r.log,
		io:     r.io,
		cache:  r.cache,
		memo:   r.memo,
		record: func(sr StageReport) { rec.record(rep.RunID, sr) },
	}
	set, err := builder.BuildMasters(ctx, camerasOf(jobs))
	if err != nil {
		for _, job := range jobs {
			rep.Results = append(rep.Results, Result{Job: job, Error: err})
		}
		return r.finish(rep, start)
	}

	red := &reducer{reporter: rec, cfg: r.cfg, io: r.io, cache: r.cache, masters: set, previews: r.previews}
	rep.Results = append(rep.Results, r.process(ctx, red, jobs)...)

	if (r.cfg.Products != nil || r.cfg.Polarimetry != nil) && ctx.Err() == nil {
		paths, err := r.buildProducts(ctx, rep, headers)
		rep.Products = paths
		if err != nil {
			r.log.Error("run products failed", "run_id", rep.RunID, "error", err)
			rep.Results = append(rep.Results, Result{
				Job:   Job{RunID: rep.RunID, Input: r.cfg.Name},
				Error: fmt.Errorf("products: %w", err),
			})
		}
	}
	return r.finish(rep, start)
}

// readHeaders loads and fixes every input header. Unreadable files fail
// without entering the pool.
func (r *Runner) readHeaders(runID string, files []string, rec reporter) ([]Job, []storage.HeaderRecord, []Result) {
	var (
		jobs    []Job
		headers []storage.HeaderRecord
		failed  []Result
	)
	for _, f := range files {
		job := Job{ID: uuid.NewString(), RunID: runID, Input: f}
		raw, err := r.io.LoadHeader(f)
		if err != nil {
			sr := StageReport{Stage: StageFile, Input: f, State: StateFailed, Error: err.Error()}
			rec.record(runID, sr)
			failed = append(failed, Result{Job: job, Stages: []StageReport{sr}, Error: err})
			continue
		}
		hdr, _ := header.Fix(raw)
		job.Camera, _ = hdr.Int("U_CAMERA")
		hr := products.HeaderRecord(f, hdr)
		if err := r.store.RecordHeader(hr); err != nil {
			r.log.Warn("failed to record header", "input", f, "error", err)
		}
		jobs = append(jobs, job)
		headers = append(headers, hr)
	}
	return jobs, headers, failed
}

func camerasOf(jobs []Job) []int {
	seen := make(map[int]bool)
	var cams []int
	for _, j := range jobs {
		if !seen[j.Camera] {
			seen[j.Camera] = true
			cams = append(cams, j.Camera)
		}
	}
	sort.Ints(cams)
	return cams
}

// process feeds jobs through the worker pool. Jobs that never ran because ctx
// ended are reported as cancelled.
func (r *Runner) process(ctx context.Context, red *reducer, jobs []Job) []Result {
	if len(jobs) == 0 {
		return nil
	}
	inputs := make([]string, len(jobs))
	for i, j := range jobs {
		inputs[i] = j.Input
	}
	workers := fsutil.WorkerCount(r.cfg.Processing.ParallelJobs, inputs, r.log)

	var mu sync.Mutex
	done := make(map[string]Result, len(jobs))
	p := New(ctx, workers, r.log, red, r.hub,
		WithMetrics(r.metrics),
		WithResultHandler(func(res Result) {
			mu.Lock()
			done[res.Job.ID] = res
			mu.Unlock()
		}))
	for _, job := range jobs {
		if err := p.Enqueue(ctx, job); err != nil {
			break
		}
	}
	p.Drain()

	results := make([]Result, 0, len(jobs))
	for _, job := range jobs {
		res, ok := done[job.ID]
		if !ok {
			cause := ctx.Err()
			if cause == nil {
				cause = context.Canceled
			}
			res = Result{Job: job, Error: errors.Cancelled("reduce", cause)}
		}
		results = append(results, res)
	}
	return results
}

// productEntries picks one coadded product per reduced branch, or the final
// outputs when no coadd stage is configured.
func (r *Runner) productEntries(results []Result) ([]products.Entry, error) {
	var entries []products.Entry
	for _, res := range results {
		if res.Error != nil {
			continue
		}
		paths := res.Outputs
		if r.cfg.Coadd != nil {
			paths = nil
			for _, sr := range res.Stages {
				if sr.Stage == StageCoadd && sr.State != StateFailed {
					paths = append(paths, sr.Outputs...)
				}
			}
		}
		for _, p := range paths {
			hdr, err := r.io.LoadHeader(p)
			if err != nil {
				return nil, err
			}
			entries = append(entries, products.Entry{Path: p, Header: hdr})
		}
	}
	return entries, nil
}

func (r *Runner) buildProducts(ctx context.Context, rep *Report, headers []storage.HeaderRecord) ([]string, error) {
	pc := r.cfg.Products
	if pc == nil {
		pc = &config.Products{}
	}
	dir := r.cfg.StageDir(pc.OutputDirectory)
	offset := derotate.DefaultPupilOffset
	if r.cfg.Derotate != nil && r.cfg.Derotate.PupilOffset != nil {
		offset = *r.cfg.Derotate.PupilOffset
	}
	var written []string
	var merr *multierror.Error

	if pc.HeaderTable && len(headers) > 0 {
		path := products.HeaderTablePath(dir, r.cfg.Name)
		if err := products.WriteHeaderTable(path, headers); err != nil {
			merr = multierror.Append(merr, err)
		} else {
			written = append(written, path)
		}
	}
	var entries []products.Entry
	if pc.ADICubes || r.cfg.Polarimetry != nil {
		var err error
		if entries, err = r.productEntries(rep.Results); err != nil {
			merr = multierror.Append(merr, err)
		} else if len(entries) == 0 {
			r.log.Warn("no reduced products for run-level products", "run_id", rep.RunID)
		}
	}
	if pc.ADICubes && len(entries) > 0 {
		paths, err := products.ADICubes(r.io, dir, r.cfg.Name, entries, offset, pc.Force)
		written = append(written, paths...)
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if pol := r.cfg.Polarimetry; pol != nil && len(entries) > 0 {
		opts, err := r.stokesOptions(pol, offset, entries)
		if err == nil {
			var paths []string
			paths, err = products.Stokes(ctx, r.io, r.cfg.StageDir(pol.OutputDirectory), r.cfg.Name, entries, opts)
			written = append(written, paths...)
		}
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("stokes: %w", err))
		}
	}
	for _, p := range written {
		r.log.Info("run product written", "run_id", rep.RunID, "output", p)
	}
	return written, merr.ErrorOrNil()
}

// stokesOptions translates the polarimetry section. IP apertures are placed
// the way the reducer places its windows, on the first product's geometry.
func (r *Runner) stokesOptions(pol *config.Polarimetry, offset float64, entries []products.Entry) (products.StokesOptions, error) {
	opts := products.StokesOptions{PupilOffset: offset, Force: pol.Force, Logger: r.log}
	if pol.IP == nil {
		return opts, nil
	}
	c, err := r.io.Load(entries[0].Path)
	if err != nil {
		return opts, err
	}
	rows, cols := c.Shape()
	center := geometry.FrameCenter(rows, cols)
	if cc, ok := r.cfg.Center(c.Camera()); ok {
		center = geometry.CameraCenter(cc, c.Camera(), rows)
	}
	corr := &polarimetry.Correction{Radius: pol.IP.ApertureRadius, Center: &center}
	if s := r.cfg.SatelliteSpots(); pol.IP.Method == "satspots" && s != nil {
		size := 2*int(math.Ceil(pol.IP.ApertureRadius)) + 1
		if corr.Spots, err = geometry.SpotWindows(center, s.Radius, *s.Angle, s.Count, size, rows, cols); err != nil {
			return opts, err
		}
	}
	opts.IP = corr
	return opts, nil
}

// finish sorts results, persists the run outcome and aggregates file errors.
func (r *Runner) finish(rep *Report, start time.Time) (*Report, error) {
	sort.SliceStable(rep.Results, func(i, j int) bool {
		return rep.Results[i].Job.Input < rep.Results[j].Job.Input
	})
	var merr *multierror.Error
	cancelled := false
	for _, res := range rep.Results {
		if res.Error == nil {
			rep.Succeeded++
			continue
		}
		rep.Failed++
		if errors.IsCancelled(res.Error) {
			cancelled = true
		}
		merr = multierror.Append(merr, fmt.Errorf("%s: %w", res.Job.Input, res.Error))
	}
	rep.Duration = time.Since(start)
	switch {
	case cancelled:
		rep.Status = RunCancelled
	case rep.Failed > 0:
		rep.Status = RunFailed
	default:
		rep.Status = RunCompleted
	}
	err := merr.ErrorOrNil()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if serr := r.store.RecordRunResult(rep.RunID, rep.Status, rep.Succeeded, rep.Failed, msg); serr != nil {
		r.log.Warn("failed to record run result", "run_id", rep.RunID, "error", serr)
	}
	r.metrics.RecordRun(rep.Status)
	logging.LogRunSummary(r.log, rep.RunID, rep.Succeeded, rep.Failed, rep.Duration)
	return rep, err
}

func (r *Runner) activeStages() []string {
	var names []string
	if c := r.cfg.Calibration; c != nil && (c.Darks != nil || c.Flats != nil) {
		names = append(names, string(StageMasters))
	}
	present := map[Stage]bool{
		StageCalibration:  r.cfg.Calibration != nil,
		StageSelection:    r.cfg.FrameSelection != nil,
		StageRegistration: r.cfg.Registration != nil,
		StageCoadd:        r.cfg.Coadd != nil,
		StageDerotate:     r.cfg.Derotate != nil,
	}
	for _, s := range Stages {
		if present[s] {
			names = append(names, string(s))
		}
	}
	return names
}
