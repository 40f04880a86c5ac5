/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: report.go
Description: Report command for the Akaylee Seedbank. Prints per-outcome totals, aggregate
density and branch coverage fraction for each target library.
*/

package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/corpus"
	"github.com/kleascm/akaylee-seedbank/pkg/utils"
	"github.com/spf13/cobra"
)

// RunReport executes the report command
func RunReport(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	targets, err := s.targets(cmd)
	if err != nil {
		return err
	}
	target, _ := cmd.Flags().GetString("target")

	ctx, cancel := signalContext()
	defer cancel()

	stats := make([]*corpus.Stats, 0, len(targets))
	for _, t := range targets {
		st, err := s.store.Stats(ctx, t)
		if err != nil {
			return fatal(err)
		}
		stats = append(stats, st)
	}

	if err := emit(cmd.OutOrStdout(), format, stats, func(w io.Writer) { printStats(w, stats) }); err != nil {
		return fatal(err)
	}

	if out, _ := cmd.Flags().GetString("out"); out != "" {
		fileFormat := format
		if fileFormat == utils.FormatText {
			fileFormat = utils.FormatYAML
		}
		path, err := utils.WriteReport(out, "report", target, fileFormat, stats)
		if err != nil {
			return fatal(err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "📄 Report written to %s\n", path)
	}
	return nil
}

func printStats(w io.Writer, stats []*corpus.Stats) {
	for _, st := range stats {
		fmt.Fprintf(w, "\n📚 %s\n", st.Target)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "  Entries:\t%d\n", st.Entries)
		for _, status := range core.AllStatuses {
			if n := st.Totals[status]; n > 0 {
				fmt.Fprintf(tw, "  %s:\t%d\n", status, n)
			}
		}
		fmt.Fprintf(tw, "  Aggregate density:\t%.4f\n", st.AggregateDensity)
		fmt.Fprintf(tw, "  Bitmap edges:\t%d\n", st.BitmapEdges)
		if st.TotalBranches > 0 {
			fmt.Fprintf(tw, "  Branch coverage:\t%.2f%% (%d/%d)\n",
				st.CoverageFraction*100, st.BitmapEdges, st.TotalBranches)
		}
		tw.Flush()
	}
}
