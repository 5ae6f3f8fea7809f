package cli

import (
	"github.com/spf13/cobra"

	"cubered/internal/watch"
)

// Command builds the cobra command tree.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cubered",
		Short: "cubered reduces dual-camera high-contrast imaging cubes",
		Long: `cubered calibrates, selects, registers, collapses and derotates
science cubes from a dual-camera imager, caching every stage on disk so
reruns only redo what changed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Reduce every cube named by a configuration",
		Long: `Build master darks and flats, then run each science cube through
calibration, frame selection, registration, collapse and derotation.
Stages whose outputs are current are skipped unless forced in the config.

Examples:
  cubered run hd1160.toml
  cubered run hd1160.toml -v`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdRun(cmd.Context(), args[0], verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		verbose  bool
		existing bool
		serve    bool
		quiet    = watch.DefaultQuiet
	)

	cmd := &cobra.Command{
		Use:   "watch <config>",
		Short: "Reduce cubes as they are written to the input directory",
		Long: `Watch the directories of the calibration filename patterns and reduce
each new cube once it has stopped changing.

Examples:
  cubered watch hd1160.toml --existing
  cubered watch hd1160.toml --serve --quiet 5s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdWatch(cmd.Context(), args[0], verbose, existing, serve, quiet)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVar(&existing, "existing", false, "also reduce matching cubes already present")
	cmd.Flags().BoolVar(&serve, "serve", false, "run the status server alongside the watcher")
	cmd.Flags().DurationVar(&quiet, "quiet", watch.DefaultQuiet, "time a file must stay unchanged before it is reduced")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		verbose  bool
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve <config>",
		Short: "Serve run history, metrics and gRPC health",
		Long: `Start the HTTP status server over the run history of a configuration.

Endpoints: /healthz /status /runs /runs/{id}/stages /headers /stream /ws /metrics

Examples:
  cubered serve hd1160.toml --addr :8087
  cubered serve hd1160.toml --grpc-addr -   # no gRPC listener`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdServe(cmd.Context(), args[0], addr, grpcAddr, verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health address, - to disable (default from config)")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion(cmd.OutOrStdout())
		},
	}
}
