package fsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cubered/internal/errors"
)

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestListCubes(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, filepath.Join(dir, "b_cam2.fits"), now)
	touch(t, filepath.Join(dir, "a_cam1.fits"), now)
	touch(t, filepath.Join(dir, "notes.txt"), now)
	touch(t, filepath.Join(dir, "darks", "d_cam1.fits"), now)

	files, err := ListCubes(dir, []string{"*", "a_*.fits"})
	if err != nil {
		t.Fatalf("ListCubes: %v", err)
	}
	want := []string{filepath.Join(dir, "a_cam1.fits"), filepath.Join(dir, "b_cam2.fits")}
	if len(files) != len(want) {
		t.Fatalf("got %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("got %v, want %v", files, want)
		}
	}

	if _, err := ListCubes(dir, []string{"missing_*.fits"}); !errors.IsInput(err) {
		t.Fatalf("expected input error, got %v", err)
	}
	if _, err := ListCubes(dir, []string{"[bad"}); !errors.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOutputNaming(t *testing.T) {
	in := "/raw/HD1160_cam1_000.fits"
	calib := FITS("/out", in, SuffixCalib)
	if calib != "/out/HD1160_cam1_000_calib.fits" {
		t.Fatalf("calib = %s", calib)
	}
	if got := FITS("/out", calib, SuffixFLC1); got != "/out/HD1160_cam1_000_calib_FLC1.fits" {
		t.Fatalf("flc1 = %s", got)
	}
	if got := CSV("/sel", calib, SuffixMetric); got != "/sel/HD1160_cam1_000_calib_metric.csv" {
		t.Fatalf("metric = %s", got)
	}
	if Stem("x/y.fit") != "y" {
		t.Fatalf("stem")
	}
}

func TestIsArtifact(t *testing.T) {
	for path, want := range map[string]bool{
		"raw/HD1160_cam1_000.fits":                    false,
		"out/HD1160_cam1_000_calib.fits":              true,
		"out/HD1160_cam1_000_calib_FLC2_aligned.fits": true,
		"out/hd1160_master_dark_cam2.fits":            true,
		"out/hd1160_adi_cube_cam1.fits":               true,
		"raw/calibration_target.fits":                 false,
	} {
		if got := IsArtifact(path); got != want {
			t.Fatalf("IsArtifact(%s) = %v, want %v", path, got, want)
		}
	}
}

func TestNewerThan(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-time.Hour)
	in := filepath.Join(dir, "in.fits")
	out := filepath.Join(dir, "out.fits")
	touch(t, in, old)
	touch(t, out, time.Now())

	if !NewerThan([]string{out}, in) {
		t.Fatalf("output should be current")
	}
	touch(t, in, time.Now().Add(time.Hour))
	if NewerThan([]string{out}, in) {
		t.Fatalf("output should be stale")
	}
	if NewerThan([]string{filepath.Join(dir, "missing.fits")}, in) {
		t.Fatalf("missing output cannot be current")
	}
}

func TestWorkerCount(t *testing.T) {
	if got := WorkerCount(3, nil, nil); got != 3 {
		t.Fatalf("explicit count = %d", got)
	}
	files := []string{"a", "b"}
	if got := WorkerCount(0, files, nil); got < 1 || got > len(files) {
		t.Fatalf("auto count = %d", got)
	}
}
