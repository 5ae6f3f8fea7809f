package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cubered/internal/calib"
	"cubered/internal/config"
	"cubered/internal/errors"
	"cubered/internal/frame"
	"cubered/internal/fsutil"
	"cubered/internal/logging"
)

// cameraMasters is the barrier outcome for one camera.
type cameraMasters struct {
	masters calib.Masters
	digest  string
	force   bool
	err     error
}

// MasterSet holds the master frames of every camera in a run. It is written
// once before the worker pool starts and read-only afterwards.
type MasterSet struct {
	byCamera map[int]*cameraMasters
}

// For returns the masters of a camera, their combined digest and whether
// calibrations of that camera must be recomputed.
func (s *MasterSet) For(camera int) (calib.Masters, string, bool, error) {
	if s == nil {
		return calib.Masters{}, "", false, nil
	}
	cm, ok := s.byCamera[camera]
	if !ok {
		return calib.Masters{}, "", false, nil
	}
	return cm.masters, cm.digest, cm.force, cm.err
}

// masterBuilder builds the per-camera master frames.
type masterBuilder struct {
	cfg    *config.Config
	log    *slog.Logger
	io     CubeIO
	cache  Cache
	memo   *calib.Memo
	record func(StageReport)

	mu      sync.Mutex
	headers map[string]int
}

// BuildMasters builds dark and flat masters for every camera in parallel. A
// camera whose masters fail is recorded so that only its files fail; the
// returned error is non-nil only when ctx ends.
func (b *masterBuilder) BuildMasters(ctx context.Context, cameras []int) (*MasterSet, error) {
	set := &MasterSet{byCamera: make(map[int]*cameraMasters, len(cameras))}
	cal := b.cfg.Calibration
	if cal == nil || (cal.Darks == nil && cal.Flats == nil) {
		return set, nil
	}

	darks, darkErr := b.listMasterFiles(cal.Darks)
	flats, flatErr := b.listMasterFiles(cal.Flats)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, cam := range cameras {
		cam := cam
		g.Go(func() error {
			cm := &cameraMasters{}
			switch {
			case darkErr != nil:
				cm.err = darkErr
			case flatErr != nil:
				cm.err = flatErr
			default:
				cm = b.buildCamera(gctx, cam, darks, flats)
			}
			mu.Lock()
			set.byCamera[cam] = cm
			mu.Unlock()
			if cm.err != nil && errors.IsCancelled(cm.err) {
				return cm.err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}

func (b *masterBuilder) listMasterFiles(mf *config.MasterFiles) ([]string, error) {
	if mf == nil {
		return nil, nil
	}
	files, err := fsutil.ListCubes(b.cfg.Directory, mf.Filenames)
	if err != nil {
		return nil, fmt.Errorf("calibration files: %w", err)
	}
	return files, nil
}

func (b *masterBuilder) camerasOf(files []string, camera int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.headers == nil {
		b.headers = make(map[string]int)
	}
	var out []string
	for _, f := range files {
		cam, ok := b.headers[f]
		if !ok {
			hdr, err := b.io.LoadHeader(f)
			if err != nil {
				return nil, err
			}
			cam, _ = hdr.Int("U_CAMERA")
			b.headers[f] = cam
		}
		if cam == camera {
			out = append(out, f)
		}
	}
	return out, nil
}

func (b *masterBuilder) buildCamera(ctx context.Context, camera int, darks, flats []string) *cameraMasters {
	cal := b.cfg.Calibration
	cm := &cameraMasters{}
	var darkDigest, flatDigest string

	if cal.Darks != nil {
		dark, digest, rebuilt, err := b.master(ctx, camera, "dark", darks, cal.Darks.Force, nil, "")
		if err != nil {
			cm.err = err
			return cm
		}
		cm.masters.Dark, darkDigest = dark, digest
		cm.force = cm.force || rebuilt || cal.Darks.Force
	}
	if cal.Flats != nil {
		force := cal.Flats.Force || cm.force
		flat, digest, rebuilt, err := b.master(ctx, camera, "flat", flats, force, cm.masters.Dark, darkDigest)
		if err != nil {
			cm.err = err
			return cm
		}
		cm.masters.Flat, flatDigest = flat, digest
		cm.force = cm.force || rebuilt || cal.Flats.Force
	}
	cm.digest = Digest([]string{darkDigest, flatDigest})
	return cm
}

// master returns one master frame, reusing the persisted file when current.
func (b *masterBuilder) master(ctx context.Context, camera int, kind string, all []string, force bool, dark *frame.Frame, darkDigest string) (*frame.Frame, string, bool, error) {
	b.log.Debug("building master", "camera", camera, "kind", kind)
	files, err := b.camerasOf(all, camera)
	if err != nil {
		return nil, "", false, err
	}
	if len(files) == 0 {
		return nil, "", false, errors.Inputf("master", "no %s cubes for camera %d", kind, camera)
	}

	sort.Strings(files)
	digest := Digest(struct {
		Files []string
		Dark  string
		Trim  int
	}{files, darkDigest, calib.TrimFrames})
	out := filepath.Join(b.cfg.StageDir(b.cfg.Calibration.OutputDirectory),
		fmt.Sprintf("%s_master_%s_cam%d.fits", b.cfg.Name, kind, camera))
	input := fmt.Sprintf("cam%d", camera)
	key := CacheKey{Input: files[0], Deps: files[1:], Stage: StageMasters, Digest: digest, Outputs: []string{out}}

	if force {
		b.memo.Forget(calib.Key(camera, kind, digest))
	}

	start := time.Now()
	state := StateSkipped
	f, err := b.memo.GetOrBuild(calib.Key(camera, kind, digest), func() (*frame.Frame, error) {
		if !force {
			if st, err := b.cache.Lookup(key); err == nil && st == CacheHit {
				c, err := b.io.Load(out)
				if err == nil && c.Len() == 1 {
					logging.LogStageSkipped(b.log, string(StageMasters), input, out)
					return c.Frames[0], nil
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Cancelled("master", err)
		}
		cubes := make([]*frame.Cube, 0, len(files))
		for _, p := range files {
			c, err := b.io.Load(p)
			if err != nil {
				return nil, err
			}
			cubes = append(cubes, c)
		}
		var m *frame.Frame
		var err error
		if kind == "dark" {
			m, err = calib.MasterDark(cubes)
		} else {
			m, err = calib.MasterFlat(cubes, dark)
		}
		if err != nil {
			return nil, err
		}
		hdr := cubes[0].Header.Without("NAXIS3").
			With("MASTER", kind, "master calibration frame").
			With("NCOMBINE", len(cubes), "cubes combined")
		if err := b.io.SaveFrame(out, m, hdr); err != nil {
			return nil, err
		}
		if err := b.cache.Commit(key); err != nil {
			b.log.Warn("cache commit failed", "output", out, "error", err)
		}
		state = StateDone
		return m, nil
	})
	rep := StageReport{Stage: StageMasters, Input: input, State: state, Outputs: []string{out}, Duration: time.Since(start)}
	if err != nil {
		rep.State, rep.Error = StateFailed, err.Error()
		logging.LogStageError(b.log, string(StageMasters), input, rep.Duration, err)
	} else if state == StateDone {
		logging.LogStageComplete(b.log, string(StageMasters), input, out, rep.Duration)
	}
	if b.record != nil {
		b.record(rep)
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("%s master for camera %d: %w", kind, camera, err)
	}
	return f, digest, state == StateDone, nil
}
