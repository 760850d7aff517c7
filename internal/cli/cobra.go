package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jbsco/ap-toolkit/internal/pipeline"
	"github.com/Jbsco/ap-toolkit/internal/preview"
	"github.com/Jbsco/ap-toolkit/internal/server"
	"github.com/Jbsco/ap-toolkit/internal/siril"
	"github.com/Jbsco/ap-toolkit/internal/watch"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ap-toolkit",
		Short: "ap-toolkit batch-processes astrophotography capture sequences",
		Long: `ap-toolkit scans a data directory for capture sequences (Light, Dark
and Flat frame sets), calibrates and registers each one with the Siril
engine, filters frames by registration quality, and stacks the keepers
into a final image.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newPreviewCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// batchOptions builds pipeline options from flag values, falling back
// to configured defaults for any sigma the user did not set.
func (r *Root) batchOptions(fwhmSigma, starSigma, roundSigma float64, noFilter bool, step int) pipeline.Options {
	return pipeline.Options{
		FWHMSigma:  fwhmSigma,
		StarSigma:  starSigma,
		RoundSigma: roundSigma,
		NoFilter:   noFilter,
		StartPhase: step,
	}
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		fwhmSigma   float64
		starSigma   float64
		roundSigma  float64
		noFilter    bool
		step        int
		sirilBinary string
		withPreview bool
	)

	cmd := &cobra.Command{
		Use:   "batch <data_path>",
		Short: "Process every capture sequence under a data directory",
		Long: `Scan data_path for sequence directories and run the full pipeline on
each: calibration and registration, quality filtering, stacking.

A failing sequence is reported and skipped; the rest of the batch
continues. The command exits non-zero only when the data path is
invalid or no sequences were found.

Examples:
  # Process everything with default thresholds
  ap-toolkit batch /data/astro

  # Looser FWHM bound, stricter roundness
  ap-toolkit batch /data/astro --fwhm-sigma 2.5 --round-sigma 1.0

  # Re-run filtering and stacking on existing registration output
  ap-toolkit batch /data/astro --step 2

  # Stack everything, no quality filter
  ap-toolkit batch /data/astro --no-filter`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if step < pipeline.PhasePreprocess || step > pipeline.PhaseStack {
				return fmt.Errorf("--step must be 1, 2 or 3 (got %d)", step)
			}
			if fwhmSigma <= 0 || starSigma <= 0 || roundSigma <= 0 {
				return fmt.Errorf("sigma multipliers must be positive")
			}
			if sirilBinary != "" {
				root.engine = siril.NewEngine(sirilBinary)
			}
			opts := root.batchOptions(fwhmSigma, starSigma, roundSigma, noFilter, step)
			return root.runBatch(cmd.Context(), args[0], opts, withPreview)
		},
	}

	cmd.Flags().Float64Var(&fwhmSigma, "fwhm-sigma", root.cfg.Quality.FWHMSigma, "sigma multiplier for the FWHM upper bound")
	cmd.Flags().Float64Var(&starSigma, "star-sigma", root.cfg.Quality.StarSigma, "sigma multiplier for the star count lower bound")
	cmd.Flags().Float64Var(&roundSigma, "round-sigma", root.cfg.Quality.RoundSigma, "sigma multiplier for the roundness lower bound")
	cmd.Flags().BoolVar(&noFilter, "no-filter", false, "skip quality filtering and stack all registered frames")
	cmd.Flags().IntVar(&step, "step", pipeline.PhasePreprocess, "phase to start from: 1=preprocess 2=filter 3=stack")
	cmd.Flags().StringVar(&sirilBinary, "siril", root.cfg.Engine.Binary, "path to the siril binary, auto-detected when empty")
	cmd.Flags().BoolVar(&withPreview, "preview", false, "export a stretched JPEG preview of each stacked result")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		fwhmSigma  float64
		starSigma  float64
		roundSigma float64
		noFilter   bool
		settle     int
	)

	cmd := &cobra.Command{
		Use:   "watch <data_path>",
		Short: "Watch a data directory and process sequences as they settle",
		Long: `Monitor data_path for newly written frames. When a sequence directory
has been quiet for the settle period it is processed exactly like a
batch run. Runs until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := root.batchOptions(fwhmSigma, starSigma, roundSigma, noFilter, pipeline.PhasePreprocess)
			runner := root.newRunner(root)

			w, err := watch.New(args[0], time.Duration(settle)*time.Second, runner, opts, root.log)
			if err != nil {
				return err
			}
			err = w.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().Float64Var(&fwhmSigma, "fwhm-sigma", root.cfg.Quality.FWHMSigma, "sigma multiplier for the FWHM upper bound")
	cmd.Flags().Float64Var(&starSigma, "star-sigma", root.cfg.Quality.StarSigma, "sigma multiplier for the star count lower bound")
	cmd.Flags().Float64Var(&roundSigma, "round-sigma", root.cfg.Quality.RoundSigma, "sigma multiplier for the roundness lower bound")
	cmd.Flags().BoolVar(&noFilter, "no-filter", false, "skip quality filtering and stack all registered frames")
	cmd.Flags().IntVar(&settle, "settle", root.cfg.Watch.SettleSeconds, "seconds a sequence must stay quiet before processing")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP status server",
		Long: `Serve run history and live sequence results over HTTP.

Endpoints:
  GET /healthz              liveness check
  GET /runs                 recent batch runs
  GET /runs/{id}/sequences  per-sequence outcomes of a run
  GET /events               websocket stream of live results`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner := root.newRunner(root)
			srv := server.New(addr, root.store, runner, root.log)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "listen address")
	return cmd
}

func newPreviewCmd(root *Root) *cobra.Command {
	var (
		width   uint
		quality uint
		gamma   float64
	)

	cmd := &cobra.Command{
		Use:   "preview <result.fit> [output.jpg]",
		Short: "Export a stretched JPEG preview of a stacked result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := ""
			if len(args) > 1 {
				output = args[1]
			}
			written, err := preview.Export(args[0], output, preview.Options{
				Width:   width,
				Quality: quality,
				Gamma:   gamma,
			})
			if err != nil {
				return err
			}
			cmd.Printf("Preview written to %s\n", written)
			return nil
		},
	}

	cmd.Flags().UintVar(&width, "width", 1920, "longest edge of the preview, 0 keeps full size")
	cmd.Flags().UintVar(&quality, "quality", 90, "JPEG quality")
	cmd.Flags().Float64Var(&gamma, "gamma", 2.2, "midtone stretch gamma")

	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Report external tool availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := siril.NewEngine(root.cfg.Engine.Binary)
			if !engine.IsAvailable() {
				cmd.Printf("stacking engine: %s (not found)\n", engine.Binary())
				return fmt.Errorf("no usable stacking engine on PATH")
			}

			version, err := engine.Version(cmd.Context())
			if err != nil {
				cmd.Printf("stacking engine: %s (version check failed: %v)\n", engine.Binary(), err)
				return nil
			}
			cmd.Printf("stacking engine: %s (%s)\n", engine.Binary(), version)
			return nil
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			cmd.Println("configuration is valid")
			return nil
		},
	})

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("ap-toolkit v1.0.0")
		},
	}
}
