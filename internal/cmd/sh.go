package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dtifit/pkg/shm"
	"dtifit/pkg/sphere"
)

func (a *app) newSHCmd() *cobra.Command {
	var (
		order      int
		m, n       int
		theta, phi float64
		direction  []float64
	)

	cmd := &cobra.Command{
		Use:   "sh",
		Short: "Evaluate real spherical harmonics at a point",
		Long: `Evaluate real spherical harmonics at azimuth --theta and polar angle --phi
(radians), or at the point of the sphere given by --direction x,y,z.

With --m and --n a single harmonic is printed. Otherwise every even-degree
harmonic up to --order is listed.`,
		Example: `  dtifit sh --order 4 --theta 0.5 --phi 1.2
  dtifit sh --m -2 --n 2 --direction 0,1,1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("direction") {
				if len(direction) != 3 {
					return fmt.Errorf("--direction needs 3 components, got %d", len(direction))
				}
				theta, phi = sphere.Spherical([3]float64{direction[0], direction[1], direction[2]})
			}

			out := cmd.OutOrStdout()
			if cmd.Flags().Changed("m") || cmd.Flags().Changed("n") {
				v, err := shm.RealSphHarm(m, n, theta, phi)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%.12g\n", v)
				return nil
			}

			ms, ns, err := shm.SphHarmIndList(order)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "m\tn\tvalue\t")
			for i := range ms {
				v, err := shm.RealSphHarm(ms[i], ns[i], theta, phi)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%d\t%d\t%.12g\t\n", ms[i], ns[i], v)
			}
			a.log.WithField("terms", len(ms)).Debug("evaluated harmonics")
			return tw.Flush()
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&order, "order", 4, "maximum (even) harmonic degree")
	flags.IntVar(&m, "m", 0, "harmonic order")
	flags.IntVar(&n, "n", 0, "harmonic degree")
	flags.Float64Var(&theta, "theta", 0, "azimuth in radians")
	flags.Float64Var(&phi, "phi", 0, "polar angle in radians")
	flags.Float64SliceVar(&direction, "direction", nil, "point on the sphere as x,y,z")
	return cmd
}
