package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dtifit/pkg/pipeline"
)

func (a *app) newFitCmd() *cobra.Command {
	var bvecPath, bvalPath, signalsPath string

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit diffusion tensors to a signal table",
		Long: `Fit one diffusion tensor per voxel and write the derived maps.

The output directory receives:
  report.yaml   run summary with per-metric statistics
  metrics.tsv   one row of metric values per masked voxel
  tensors.txt   model coefficients [Dxx Dyy Dzz Dxy Dxz Dyz lnS0] per voxel
  maps/         raw float64 maps and, with --export-maps, JPEG slices`,
		Example: `  dtifit fit --bvec data/grad.bvec --signals data/signals.txt -o results
  dtifit fit --bvec grad.txt --bval bvals.txt --signals s.txt --method ols --metrics fa,md,s0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := pipeline.NewParams(a.cfg)
			if err != nil {
				return err
			}
			params.BvecPath = bvecPath
			params.BvalPath = bvalPath
			params.SignalsPath = signalsPath
			params.Logger = a.log
			params.Stdout = cmd.OutOrStdout()

			fitter := pipeline.NewFitter(params)
			start := time.Now()
			if err := fitter.Process(cmd.Context()); err != nil {
				return fmt.Errorf("fit failed: %w", err)
			}

			out := cmd.OutOrStdout()
			report := fitter.GetReport()
			fmt.Fprintf(out, "\nFitted %d of %d voxels (%s) in %.2f seconds\n",
				report.MaskedVoxels, report.Voxels, report.Method, time.Since(start).Seconds())
			fmt.Fprintf(out, "Results saved to: %s\n\n", params.OutputDir)

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "metric\tmean\tstd\tmin\tmedian\tmax")
			for _, s := range report.Summaries {
				fmt.Fprintf(tw, "%s\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\n",
					s.Metric, s.Mean, s.StdDev, s.Min, s.Median, s.Max)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if report.NonPhysical > 0 {
				fmt.Fprintf(out, "\nWarning: %d voxels have negative eigenvalues\n", report.NonPhysical)
			}
			fmt.Fprintf(out, "\nReport: %s\n", filepath.Join(params.OutputDir, pipeline.ReportFile))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&bvecPath, "bvec", "", "gradient direction file (.bvec, paired .bval found alongside)")
	flags.StringVar(&bvalPath, "bval", "", "b-value file, when not named after the bvec file")
	flags.StringVar(&signalsPath, "signals", "", "voxel signal table")
	_ = cmd.MarkFlagRequired("bvec")
	_ = cmd.MarkFlagRequired("signals")

	flags.StringP("output", "o", "", "output directory")
	flags.Int("workers", 0, "voxels fitted concurrently (default: all CPUs)")
	flags.String("method", "", "fit method: wls or ols")
	flags.Float64("min-signal", 0, "floor applied to signals before the logarithm")
	flags.Float64("mask-threshold", 0, "drop voxels whose mean b0 signal is at or below this")
	flags.String("orientation", "", "orientation of the stored gradients, e.g. LPS")
	flags.StringSlice("metrics", nil, "maps to compute: fa, md, adc, ad, rd, trace, s0")
	flags.Bool("export-maps", false, "write JPEG slices of every map")

	bind := map[string]string{
		"output":         "output.dir",
		"workers":        "processing.workers",
		"method":         "processing.method",
		"min-signal":     "processing.minSignal",
		"mask-threshold": "processing.maskThreshold",
		"orientation":    "gradients.orientation",
		"metrics":        "output.metrics",
		"export-maps":    "output.exportMaps",
	}
	for flag, key := range bind {
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}
