package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"cubered/internal/calib"
	"cubered/internal/coadd"
	"cubered/internal/config"
	"cubered/internal/derotate"
	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/fsutil"
	"cubered/internal/geometry"
	"cubered/internal/logging"
	"cubered/internal/metric"
	"cubered/internal/metrics"
	"cubered/internal/register"
	"cubered/internal/storage"
)

// reducer implements Processor: it runs the fixed stage sequence on one file.
type reducer struct {
	reporter
	cfg      *config.Config
	io       CubeIO
	cache    Cache
	masters  *MasterSet
	previews Previewer
}

// reporter fans a stage outcome out to metrics, run history and the event hub.
// Every field may be nil.
type reporter struct {
	log     *slog.Logger
	store   *storage.Store
	metrics *metrics.PipelineMetrics
	hub     *Hub
}

func (rp reporter) record(runID string, rep StageReport) {
	rp.metrics.RecordStage(string(rep.Stage), string(rep.State), rep.Duration)
	if err := rp.store.RecordStage(storage.StageRecord{
		RunID:    runID,
		Input:    rep.Input,
		Stage:    string(rep.Stage),
		State:    string(rep.State),
		Outputs:  rep.Outputs,
		Duration: rep.Duration,
		Error:    rep.Error,
	}); err != nil {
		rp.log.Warn("failed to record stage", "stage", rep.Stage, "error", err)
	}
	rp.hub.Publish(Event{
		RunID:   runID,
		Input:   rep.Input,
		Stage:   rep.Stage,
		State:   rep.State,
		Outputs: rep.Outputs,
		Error:   rep.Error,
		Time:    time.Now(),
	})
}

// artifact is the current product of a file: a path on disk and, when the
// producing stage ran in this process, the cube itself.
type artifact struct {
	path string
	cube *frame.Cube
}

// fileRun is the per-file (or per-state) pipeline state.
type fileRun struct {
	job     Job
	force   bool // monotonic: once set, every later stage recomputes
	reports []StageReport
}

func (r *reducer) Process(ctx context.Context, job Job) Result {
	res := Result{Job: job}
	run := &fileRun{job: job}

	masters, masterDigest, forced, err := r.masters.For(job.Camera)
	if err != nil {
		r.report(run, StageReport{Stage: StageCalibration, Input: job.Input, State: StateFailed, Error: err.Error()}, err)
		res.Stages, res.Error = run.reports, err
		return res
	}
	run.force = forced

	branches, err := r.calibrate(ctx, run, masters, masterDigest)
	if err != nil {
		res.Stages, res.Error = run.reports, err
		return res
	}

	var merr *multierror.Error
	for _, b := range branches {
		branch := &fileRun{job: job, force: run.force}
		out, err := r.reduce(ctx, branch, b)
		run.reports = append(run.reports, branch.reports...)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", fsutil.Stem(b.path), err))
			continue
		}
		res.Outputs = append(res.Outputs, out.path)
	}
	res.Stages = run.reports
	res.Error = merr.ErrorOrNil()
	return res
}

// reduce runs the post-calibration stages on one calibrated cube.
func (r *reducer) reduce(ctx context.Context, run *fileRun, a artifact) (artifact, error) {
	steps := []func(context.Context, *fileRun, artifact) (artifact, error){
		r.selectFrames,
		r.registerFrames,
		r.collapse,
		r.derotate,
	}
	for _, step := range steps {
		next, err := step(ctx, run, a)
		if err != nil {
			return a, err
		}
		a = next
	}
	return a, nil
}

// stage applies the cache and force rules around run. Outputs are only
// committed after run succeeds.
func (r *reducer) stage(ctx context.Context, fr *fileRun, name Stage, input string, forced bool, params any, outputs []string, run func() error) (StageState, error) {
	if err := ctx.Err(); err != nil {
		err = errors.Cancelled(string(name), err)
		r.report(fr, StageReport{Stage: name, Input: input, State: StateFailed, Error: err.Error()}, err)
		return StateFailed, err
	}
	fr.force = fr.force || forced
	key := CacheKey{Input: input, Stage: name, Digest: Digest(params), Outputs: outputs}

	if !fr.force {
		st, err := r.cache.Lookup(key)
		if err != nil {
			r.log.Warn("cache lookup failed", "stage", name, "input", input, "error", err)
		}
		if err == nil && st == CacheHit {
			logging.LogStageSkipped(r.log, string(name), input, strings.Join(outputs, ","))
			r.report(fr, StageReport{Stage: name, Input: input, State: StateSkipped, Outputs: outputs}, nil)
			return StateSkipped, nil
		}
	}

	start := time.Now()
	logging.LogStageStart(r.log, string(name), input)
	if err := run(); err != nil {
		d := time.Since(start)
		logging.LogStageError(r.log, string(name), input, d, err)
		r.report(fr, StageReport{Stage: name, Input: input, State: StateFailed, Duration: d, Error: err.Error()}, err)
		return StateFailed, err
	}
	if err := r.cache.Commit(key); err != nil {
		r.log.Warn("cache commit failed", "stage", name, "input", input, "error", err)
	}
	// downstream outputs were built from the old product
	fr.force = true
	d := time.Since(start)
	logging.LogStageComplete(r.log, string(name), input, strings.Join(outputs, ","), d)
	r.report(fr, StageReport{Stage: name, Input: input, State: StateDone, Outputs: outputs, Duration: d}, nil)
	return StateDone, nil
}

func (r *reducer) report(fr *fileRun, rep StageReport, err error) {
	if err != nil && rep.Error == "" {
		rep.Error = err.Error()
	}
	fr.reports = append(fr.reports, rep)
	r.record(fr.job.RunID, rep)
}

// passThrough records a stage that does not apply to this file.
func (r *reducer) passThrough(fr *fileRun, name Stage, input, reason string) {
	r.log.Debug("stage passes input through", "stage", name, "input", input, "reason", reason)
	r.report(fr, StageReport{Stage: name, Input: input, State: StateSkipped}, nil)
}

func (r *reducer) load(a *artifact) (*frame.Cube, error) {
	if a.cube != nil {
		return a.cube, nil
	}
	c, err := r.io.Load(a.path)
	if err != nil {
		return nil, err
	}
	a.cube = c
	return c, nil
}

func (r *reducer) calibrate(ctx context.Context, fr *fileRun, masters calib.Masters, masterDigest string) ([]artifact, error) {
	cal := r.cfg.Calibration
	if cal == nil {
		return []artifact{{path: fr.job.Input}}, nil
	}
	dir := r.cfg.StageDir(cal.OutputDirectory)
	calibPath := fsutil.FITS(dir, fr.job.Input, fsutil.SuffixCalib)
	outputs := []string{calibPath}
	if cal.Deinterleave {
		outputs = []string{
			fsutil.FITS(dir, calibPath, fsutil.SuffixFLC1),
			fsutil.FITS(dir, calibPath, fsutil.SuffixFLC2),
		}
	}
	params := struct {
		Masters      string
		Deinterleave bool
		Trim         int
	}{masterDigest, cal.Deinterleave, calib.TrimFrames}

	var produced []*frame.Cube
	_, err := r.stage(ctx, fr, StageCalibration, fr.job.Input, cal.Force, params, outputs, func() error {
		raw, err := r.io.Load(fr.job.Input)
		if err != nil {
			return err
		}
		c, err := calib.Calibrate(raw, masters, r.log.With("input", fsutil.Stem(fr.job.Input)))
		if err != nil {
			return err
		}
		produced = []*frame.Cube{c}
		if cal.Deinterleave {
			a, b, err := calib.Deinterleave(c)
			if err != nil {
				return err
			}
			produced = []*frame.Cube{a, b}
		}
		for i, p := range produced {
			if err := r.io.Save(outputs[i], p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]artifact, len(outputs))
	for i, p := range outputs {
		out[i] = artifact{path: p}
		if produced != nil {
			out[i].cube = produced[i]
		}
	}
	return out, nil
}

// windows places the analysis windows for a calibrated cube.
func (r *reducer) windows(c *frame.Cube, size int) ([]geometry.Window, error) {
	rows, cols := c.Shape()
	camera := c.Camera()
	center := geometry.FrameCenter(rows, cols)
	if cc, ok := r.cfg.Center(camera); ok {
		center = geometry.CameraCenter(cc, camera, rows)
	}
	if s := r.cfg.SatelliteSpots(); s != nil {
		return geometry.SpotWindows(center, s.Radius, *s.Angle, s.Count, size, rows, cols)
	}
	return geometry.SingleWindow(center, size, rows, cols)
}

// geometryParams is the part of the configuration that moves windows.
func (r *reducer) geometryParams(camera int) any {
	cc, _ := r.cfg.Center(camera)
	return struct {
		Center frame.Point
		Spots  *config.SatelliteSpots
	}{cc, r.cfg.SatelliteSpots()}
}

func (r *reducer) selectFrames(ctx context.Context, fr *fileRun, a artifact) (artifact, error) {
	fs := r.cfg.FrameSelection
	if fs == nil {
		return a, nil
	}
	if fs.Q == 0 {
		r.passThrough(fr, StageSelection, a.path, "q = 0 keeps every frame")
		return a, nil
	}
	dir := r.cfg.StageDir(fs.OutputDirectory)
	metricPath := fsutil.CSV(dir, a.path, fsutil.SuffixMetric)
	cutPath := fsutil.FITS(dir, a.path, fsutil.SuffixCut)
	outputs := []string{metricPath, cutPath}
	var statsPath string
	if fs.SaveStats {
		statsPath = fsutil.CSV(dir, a.path, fsutil.SuffixStats)
		outputs = append(outputs, statsPath)
	}
	params := struct {
		Metric   string
		Q        float64
		Window   int
		Geometry any
	}{fs.Metric, fs.Q, fs.WindowSize, r.geometryParams(fr.job.Camera)}

	var cut *frame.Cube
	_, err := r.stage(ctx, fr, StageSelection, a.path, fs.Force, params, outputs, func() error {
		c, err := r.load(&a)
		if err != nil {
			return err
		}
		kind, err := metric.ParseKind(fs.Metric)
		if err != nil {
			return err
		}
		windows, err := r.windows(c, fs.WindowSize)
		if err != nil {
			return err
		}
		recs, err := metric.MeasureCube(c, windows, kind)
		if err != nil {
			return err
		}
		if err := r.io.WriteMetrics(metricPath, recs); err != nil {
			return err
		}
		if statsPath != "" {
			if err := r.io.WriteStats(statsPath, metric.Stats(c, windows)); err != nil {
				return err
			}
		}
		keep, err := metric.Select(recs, fs.Q)
		if err != nil {
			return err
		}
		if len(keep) == 0 {
			return errors.Inputf("select", "no frame passed selection")
		}
		r.metrics.RecordRejected("selection", c.Len()-len(keep))
		sel := c.Select(keep)
		cut = sel.WithHeader(sel.Header.
			With("NAXIS3", len(keep), "").
			With("SELMETR", string(kind), "frame selection metric").
			With("SELQ", fs.Q, "frame selection quantile"))
		return r.io.Save(cutPath, cut)
	})
	if err != nil {
		return a, err
	}
	return artifact{path: cutPath, cube: cut}, nil
}

func (r *reducer) registerFrames(ctx context.Context, fr *fileRun, a artifact) (artifact, error) {
	rc := r.cfg.Registration
	if rc == nil {
		return a, nil
	}
	dir := r.cfg.StageDir(rc.OutputDirectory)
	offsetsPath := fsutil.CSV(dir, a.path, fsutil.SuffixOffsets)
	alignedPath := fsutil.FITS(dir, a.path, fsutil.SuffixAligned)
	params := struct {
		Method   string
		DFT      config.DFT
		Window   int
		Spread   float64
		Geometry any
	}{rc.Method, rc.DFT, rc.WindowSize, rc.SpreadThreshold, r.geometryParams(fr.job.Camera)}

	var aligned *frame.Cube
	_, err := r.stage(ctx, fr, StageRegistration, a.path, rc.Force, params, []string{offsetsPath, alignedPath}, func() error {
		c, err := r.load(&a)
		if err != nil {
			return err
		}
		method, err := register.ParseMethod(rc.Method)
		if err != nil {
			return err
		}
		est, err := register.New(method, register.Options{
			UpsampleFactor:  rc.DFT.UpsampleFactor,
			ReferenceMethod: rc.DFT.ReferenceMethod,
		})
		if err != nil {
			return err
		}
		windows, err := r.windows(c, rc.WindowSize)
		if err != nil {
			return err
		}
		recs, err := register.Measure(ctx, c, windows, est, register.MeasureOptions{
			SpreadThreshold: rc.SpreadThreshold,
			Logger:          r.log.With("input", fsutil.Stem(a.path)),
		})
		if err != nil {
			return err
		}
		recordFitFailures(r.metrics, method, recs, len(windows))
		if err := r.io.WriteOffsets(offsetsPath, recs); err != nil {
			return err
		}
		var dropped []int
		aligned, dropped, err = register.Register(c, recs)
		if err != nil {
			return err
		}
		if len(dropped) > 0 {
			r.log.Warn("frames dropped without a valid offset", "input", a.path, "dropped", len(dropped))
			r.metrics.RecordRejected("registration", len(dropped))
		}
		return r.io.Save(alignedPath, aligned)
	})
	if err != nil {
		return a, err
	}
	return artifact{path: alignedPath, cube: aligned}, nil
}

func (r *reducer) collapse(ctx context.Context, fr *fileRun, a artifact) (artifact, error) {
	co := r.cfg.Coadd
	if co == nil {
		return a, nil
	}
	out := fsutil.FITS(r.cfg.StageDir(co.OutputDirectory), a.path, fsutil.SuffixCollapsed)

	var collapsed *frame.Cube
	_, err := r.stage(ctx, fr, StageCoadd, a.path, co.Force, struct{ Method string }{co.Method}, []string{out}, func() error {
		c, err := r.load(&a)
		if err != nil {
			return err
		}
		method, err := coadd.ParseMethod(co.Method)
		if err != nil {
			return err
		}
		f, hdr, err := coadd.Collapse(c, method)
		if err != nil {
			return err
		}
		if err := r.io.SaveFrame(out, f, hdr); err != nil {
			return err
		}
		collapsed = &frame.Cube{Frames: []*frame.Frame{f}, Header: hdr}
		r.preview(out, f)
		return nil
	})
	if err != nil {
		return a, err
	}
	return artifact{path: out, cube: collapsed}, nil
}

func (r *reducer) derotate(ctx context.Context, fr *fileRun, a artifact) (artifact, error) {
	dc := r.cfg.Derotate
	if dc == nil {
		return a, nil
	}
	out := fsutil.FITS(r.cfg.StageDir(dc.OutputDirectory), a.path, fsutil.SuffixDerot)
	offset := *dc.PupilOffset

	var rotated *frame.Cube
	_, err := r.stage(ctx, fr, StageDerotate, a.path, dc.Force, struct{ PupilOffset float64 }{offset}, []string{out}, func() error {
		c, err := r.load(&a)
		if err != nil {
			return err
		}
		if c.Len() == 1 {
			f, hdr, err := derotate.Collapsed(c.Frames[0], c.Header, offset)
			if err != nil {
				return err
			}
			if err := r.io.SaveFrame(out, f, hdr); err != nil {
				return err
			}
			rotated = &frame.Cube{Frames: []*frame.Frame{f}, Header: hdr}
			r.preview(out, f)
			return nil
		}
		angle, err := derotate.Angle(c.Header, offset)
		if err != nil {
			return err
		}
		angles := make([]float64, c.Len())
		for i := range angles {
			angles[i] = angle
		}
		rc, err := derotate.Cube(c, angles)
		if err != nil {
			return err
		}
		rotated = rc.WithHeader(rc.Header.With("DEROTANG", angle, "[deg] derotation angle (PA + pupil offset)"))
		return r.io.Save(out, rotated)
	})
	if err != nil {
		return a, err
	}
	return artifact{path: out, cube: rotated}, nil
}

func (r *reducer) preview(fitsPath string, f *frame.Frame) {
	if r.previews == nil || !r.cfg.Preview.Enabled {
		return
	}
	png := strings.TrimSuffix(fitsPath, ".fits") + ".png"
	if err := r.previews.Render(png, f); err != nil {
		r.log.Warn("preview failed", "output", png, "error", err)
	}
}

// recordFitFailures counts windows a PSF fit dropped. Peak, centroid and DFT
// windows without usable samples are not fit failures.
func recordFitFailures(m *metrics.PipelineMetrics, method register.Method, recs []register.Record, windows int) {
	if !method.IsFit() {
		return
	}
	for _, rec := range recs {
		for i := rec.Windows; i < windows; i++ {
			m.RecordFitFailure(string(method))
		}
	}
}
