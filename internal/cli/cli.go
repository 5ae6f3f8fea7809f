package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cubered/internal/config"
	"cubered/internal/logging"
	"cubered/internal/metrics"
	"cubered/internal/pipeline"
	"cubered/internal/preview"
	"cubered/internal/server"
	"cubered/internal/storage"
	"cubered/internal/watch"
)

// Version is stamped at build time with -ldflags "-X cubered/internal/cli.Version=...".
var Version = "0.1.0-dev"

// fileRunner is the part of pipeline.Runner the commands drive.
type fileRunner interface {
	Run(ctx context.Context) (*pipeline.Report, error)
	RunFiles(ctx context.Context, files []string) (*pipeline.Report, error)
}

// deps is what a runner is built from.
type deps struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
	store      *storage.Store
	metrics    *metrics.PipelineMetrics
	hub        *pipeline.Hub
	previews   pipeline.Previewer
}

type runnerFactory func(d deps) fileRunner

type loggerFactory func(cfg *config.Config, verbose bool) (*slog.Logger, error)

type serverFunc func(ctx context.Context, srv *server.Server) error

type watchFunc func(ctx context.Context, w *watch.Watcher) error

func defaultRunner(d deps) fileRunner {
	opts := []pipeline.RunnerOption{
		pipeline.WithStore(d.store),
		pipeline.WithRunMetrics(d.metrics),
		pipeline.WithHub(d.hub),
		pipeline.WithConfigPath(d.configPath),
	}
	if d.previews != nil {
		opts = append(opts, pipeline.WithPreviewer(d.previews))
	}
	return pipeline.NewRunner(d.cfg, d.log, opts...)
}

func defaultLogger(cfg *config.Config, verbose bool) (*slog.Logger, error) {
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return logging.Setup(cfg)
}

func defaultServe(ctx context.Context, srv *server.Server) error { return srv.Start(ctx) }

func defaultWatch(ctx context.Context, w *watch.Watcher) error { return w.Run(ctx) }

// Root wires CLI commands to the reduction pipeline.
type Root struct {
	out        io.Writer
	loadConfig func(path string) (*config.Config, error)
	newLogger  loggerFactory
	newRunner  runnerFactory
	serveFn    serverFunc
	watchFn    watchFunc
}

// NewRoot constructs the CLI root with the real collaborators.
func NewRoot() *Root {
	return &Root{
		out:        os.Stdout,
		loadConfig: config.LoadFile,
		newLogger:  defaultLogger,
		newRunner:  defaultRunner,
		serveFn:    defaultServe,
		watchFn:    defaultWatch,
	}
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.Command()
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

// session is one loaded configuration with its opened collaborators.
type session struct {
	cfg      *config.Config
	path     string
	log      *slog.Logger
	store    *storage.Store
	registry *prometheus.Registry
	metrics  *metrics.PipelineMetrics
	hub      *pipeline.Hub
	previews *preview.Renderer
}

func (r *Root) open(path string, verbose, withHub bool) (*session, error) {
	cfg, err := r.loadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := r.newLogger(cfg, verbose)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewPipelineMetrics(reg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s := &session{cfg: cfg, path: path, log: log, store: store, registry: reg, metrics: m}
	if withHub {
		s.hub = pipeline.NewHub(log)
	}
	if cfg.Preview.Enabled {
		s.previews = preview.New()
	}
	return s, nil
}

func (s *session) close() {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.previews != nil {
		preview.Close()
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("failed to close run history", "error", err)
	}
}

func (r *Root) runner(s *session) fileRunner {
	d := deps{cfg: s.cfg, configPath: s.path, log: s.log, store: s.store, metrics: s.metrics, hub: s.hub}
	if s.previews != nil {
		d.previews = s.previews
	}
	return r.newRunner(d)
}

func (s *session) server(addr, grpcAddr string) *server.Server {
	if addr == "" {
		addr = s.cfg.Server.Addr
	}
	if grpcAddr == "" {
		grpcAddr = s.cfg.Server.GRPCAddr
	}
	opts := []server.Option{server.WithGatherer(s.registry)}
	if grpcAddr != "-" {
		opts = append(opts, server.WithGRPC(grpcAddr))
	}
	return server.New(addr, s.store, s.hub, s.log, opts...)
}

func (r *Root) cmdRun(ctx context.Context, path string, verbose bool) error {
	s, err := r.open(path, verbose, false)
	if err != nil {
		return err
	}
	defer s.close()

	rep, err := r.runner(s).Run(ctx)
	r.printReport(rep)
	return err
}

func (r *Root) cmdWatch(ctx context.Context, path string, verbose, existing, serve bool, quiet time.Duration) error {
	s, err := r.open(path, verbose, serve)
	if err != nil {
		return err
	}
	defer s.close()

	opts := []watch.Option{
		watch.WithQuiet(quiet),
		watch.WithBatchHandler(func(files []string, rep *pipeline.Report, err error) { r.printReport(rep) }),
	}
	if existing {
		opts = append(opts, watch.WithExisting())
	}
	w := watch.New(s.cfg.Directory, s.cfg.Calibration.Filenames, r.runner(s), s.log, opts...)

	if !serve {
		return r.watchFn(ctx, w)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- r.serveFn(ctx, s.server("", "")) }()
	werr := r.watchFn(ctx, w)
	cancel()
	if serr := <-errc; werr == nil {
		werr = serr
	}
	return werr
}

func (r *Root) cmdServe(ctx context.Context, path, addr, grpcAddr string, verbose bool) error {
	s, err := r.open(path, verbose, false)
	if err != nil {
		return err
	}
	defer s.close()
	return r.serveFn(ctx, s.server(addr, grpcAddr))
}

func (r *Root) printReport(rep *pipeline.Report) {
	if rep == nil {
		return
	}
	fmt.Fprintf(r.out, "run %s %s: %d succeeded, %d failed in %s\n",
		rep.RunID, rep.Status, rep.Succeeded, rep.Failed, rep.Duration.Round(time.Millisecond))
	for _, res := range rep.Results {
		if res.Error != nil {
			fmt.Fprintf(r.out, "  FAILED %s: %v\n", res.Job.Input, res.Error)
			continue
		}
		fmt.Fprintf(r.out, "  %s -> %s\n", res.Job.Input, strings.Join(res.Outputs, ", "))
	}
	for _, p := range rep.Products {
		fmt.Fprintf(r.out, "  product %s\n", p)
	}
}
