package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const exampleConfig = `name = "target"
directory = "raw"
output_directory = "reduced"

[frame_centers]
cam1 = [128.0, 128.0]
cam2 = [128.0, 128.0]

[calibration]
filenames = ["*.fits"]
deinterleave = false
[calibration.darks]
filenames = ["darks/*.fits"]
[calibration.flats]
filenames = ["flats/*.fits"]

[frame_selection]
metric = "normvar"
q = 0.3
window_size = 30

[registration]
method = "com"
window_size = 30
[registration.dft]
upsample_factor = 10
reference_method = "com"

[coadd]
method = "median"

[derotate]
pupil_offset = 140.4

[products]
adi_cubes = true
header_table = true
`

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, validate, or create configurations",
	}

	showCmd := &cobra.Command{
		Use:   "show <config>",
		Short: "Print the configuration with defaults applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout(), args[0])
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate(cmd.OutOrStdout(), args[0])
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write an example TOML configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configInit(cmd.OutOrStdout(), args[0], force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(showCmd, validateCmd, initCmd)
	return cmd
}

func (r *Root) configShow(w io.Writer, path string) error {
	cfg, err := r.loadConfig(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %s\n%s\n", path, out)
	return nil
}

func (r *Root) configValidate(w io.Writer, path string) error {
	cfg, err := r.loadConfig(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: configuration is valid\n", path)
	return nil
}

func (r *Root) configInit(w io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "wrote %s\n", path)
	return nil
}

func (r *Root) cmdVersion(w io.Writer) {
	fmt.Fprintf(w, "cubered %s\n", Version)
	fmt.Fprintf(w, "Built with Go %s\n", runtime.Version())
}
