package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cubered/internal/config"
	cerrors "cubered/internal/errors"
	"cubered/internal/logging"
	"cubered/internal/pipeline"
	"cubered/internal/server"
	"cubered/internal/watch"
)

type fakeRunner struct {
	mu    sync.Mutex
	runs  int
	files [][]string
	rep   *pipeline.Report
	err   error
}

func (f *fakeRunner) Run(ctx context.Context) (*pipeline.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.rep, f.err
}

func (f *fakeRunner) RunFiles(ctx context.Context, files []string) (*pipeline.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, files)
	return f.rep, f.err
}

type testRoot struct {
	*Root
	out     *bytes.Buffer
	runner  *fakeRunner
	deps    []deps
	verbose bool
	served  []*server.Server
	watched []*watch.Watcher
}

func newTestRoot(t *testing.T) *testRoot {
	t.Helper()
	tr := &testRoot{
		out: &bytes.Buffer{},
		runner: &fakeRunner{rep: &pipeline.Report{
			RunID:     "run-1",
			Status:    pipeline.RunCompleted,
			Succeeded: 1,
			Results: []pipeline.Result{{
				Job:     pipeline.Job{Input: "sci_cam1.fits"},
				Outputs: []string{"sci_cam1_calib_collapsed.fits"},
			}},
		}},
	}
	tr.Root = &Root{
		out:        tr.out,
		loadConfig: config.LoadFile,
		newLogger: func(cfg *config.Config, verbose bool) (*slog.Logger, error) {
			tr.verbose = verbose
			return logging.Discard(), nil
		},
		newRunner: func(d deps) fileRunner {
			tr.deps = append(tr.deps, d)
			return tr.runner
		},
		serveFn: func(ctx context.Context, srv *server.Server) error {
			tr.served = append(tr.served, srv)
			return nil
		},
		watchFn: func(ctx context.Context, w *watch.Watcher) error {
			tr.watched = append(tr.watched, w)
			return nil
		},
	}
	return tr
}

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
name = "hd1160"
directory = %q

[calibration]
filenames = ["sci_*.fits"]

[database]
path = %q
%s`, dir, filepath.Join(dir, "db", "history.db"), extra)
	path := filepath.Join(dir, "run.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunCommandDrivesRunner(t *testing.T) {
	root := newTestRoot(t)
	path := writeConfig(t, "")

	if err := root.Run(context.Background(), []string{"run", path, "-v"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if root.runner.runs != 1 {
		t.Fatalf("expected one run, got %d", root.runner.runs)
	}
	if !root.verbose {
		t.Fatalf("-v did not reach the logger")
	}
	d := root.deps[0]
	if d.configPath != path || d.store == nil || d.metrics == nil {
		t.Fatalf("runner built without collaborators: %+v", d)
	}
	if d.hub != nil {
		t.Fatalf("run should not create an event hub")
	}
	out := root.out.String()
	if !strings.Contains(out, "run run-1 completed: 1 succeeded, 0 failed") {
		t.Fatalf("missing summary in %q", out)
	}
	if !strings.Contains(out, "sci_cam1.fits -> sci_cam1_calib_collapsed.fits") {
		t.Fatalf("missing outputs in %q", out)
	}
}

func TestRunCommandReportsFailures(t *testing.T) {
	root := newTestRoot(t)
	root.runner.rep = &pipeline.Report{
		RunID:  "run-2",
		Status: pipeline.RunFailed,
		Failed: 1,
		Results: []pipeline.Result{{
			Job:   pipeline.Job{Input: "bad.fits"},
			Error: errors.New("truncated"),
		}},
	}
	root.runner.err = errors.New("bad.fits: truncated")

	err := root.Run(context.Background(), []string{"run", writeConfig(t, "")})
	if err == nil {
		t.Fatalf("expected run error")
	}
	if !strings.Contains(root.out.String(), "FAILED bad.fits: truncated") {
		t.Fatalf("failure not printed: %q", root.out.String())
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	root := newTestRoot(t)
	path := writeConfig(t, "\n[frame_selection]\nq = 2\n")

	err := root.Run(context.Background(), []string{"run", path})
	if !cerrors.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(root.deps) != 0 {
		t.Fatalf("runner built for an invalid config")
	}
}

func TestRunValidatesArguments(t *testing.T) {
	root := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"run"}); err == nil {
		t.Fatalf("expected error for missing config")
	}
	if err := root.Run(context.Background(), []string{"run", filepath.Join(t.TempDir(), "missing.toml")}); err == nil {
		t.Fatalf("expected error for missing config file")
	}
	if err := root.Run(context.Background(), []string{"frobnicate"}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestWatchCommand(t *testing.T) {
	root := newTestRoot(t)
	path := writeConfig(t, "")

	if err := root.Run(context.Background(), []string{"watch", path, "--existing", "--quiet", "10ms"}); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if len(root.watched) != 1 || len(root.served) != 0 {
		t.Fatalf("watched=%d served=%d", len(root.watched), len(root.served))
	}

	if err := root.Run(context.Background(), []string{"watch", path, "--serve"}); err != nil {
		t.Fatalf("watch --serve failed: %v", err)
	}
	if len(root.watched) != 2 || len(root.served) != 1 {
		t.Fatalf("watched=%d served=%d", len(root.watched), len(root.served))
	}
	if root.deps[1].hub == nil {
		t.Fatalf("--serve should share an event hub with the runner")
	}
}

func TestServeCommandExposesHistory(t *testing.T) {
	root := newTestRoot(t)
	path := writeConfig(t, "")

	// the history is closed once serve returns, so check the routes while serving
	codes := map[string]int{}
	var metricsBody string
	root.serveFn = func(ctx context.Context, srv *server.Server) error {
		for _, route := range []string{"/runs", "/metrics", "/healthz"} {
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, route, nil))
			codes[route] = rec.Code
			if route == "/metrics" {
				metricsBody = rec.Body.String()
			}
		}
		return nil
	}

	if err := root.Run(context.Background(), []string{"serve", path, "--addr", "127.0.0.1:0", "--grpc-addr", "-"}); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	for route, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("%s status %d", route, code)
		}
	}
	if len(codes) != 3 {
		t.Fatalf("server not started")
	}
	if !strings.Contains(metricsBody, "go_goroutines") {
		t.Fatalf("/metrics missing runtime collectors")
	}
}

func TestConfigCommands(t *testing.T) {
	root := newTestRoot(t)
	path := filepath.Join(t.TempDir(), "new.toml")

	if err := root.Run(context.Background(), []string{"config", "init", path}); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := root.Run(context.Background(), []string{"config", "init", path}); err == nil {
		t.Fatalf("expected init to refuse overwriting")
	}
	if err := root.Run(context.Background(), []string{"config", "validate", path}); err != nil {
		t.Fatalf("example config invalid: %v", err)
	}

	root.out.Reset()
	if err := root.Run(context.Background(), []string{"config", "show", path}); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(root.out.String(), `"name": "target"`) {
		t.Fatalf("show output missing name: %q", root.out.String())
	}

	bad := writeConfig(t, "\n[registration]\nmethod = \"quad\"\n")
	if err := root.Run(context.Background(), []string{"config", "validate", bad}); !cerrors.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	root := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(root.out.String(), "cubered "+Version) {
		t.Fatalf("unexpected version output %q", root.out.String())
	}
}

func TestPrintReportNil(t *testing.T) {
	root := newTestRoot(t)
	root.printReport(nil)
	if root.out.Len() != 0 {
		t.Fatalf("nil report printed %q", root.out.String())
	}
}
