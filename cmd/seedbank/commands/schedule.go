/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: schedule.go
Description: Schedule command for the Akaylee Seedbank. Emits the next accepted seeds to
feed back to the external generator, ordered by frontier priority and rotated across
target libraries.
*/

package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/corpus"
	"github.com/kleascm/akaylee-seedbank/pkg/scheduler"
	"github.com/spf13/cobra"
)

// scheduleItem is one line of the generator feed
type scheduleItem struct {
	Round         int      `json:"round" yaml:"round"`
	Target        string   `json:"target" yaml:"target"`
	SeedID        string   `json:"seed_id" yaml:"seed_id"`
	EntryID       string   `json:"entry_id" yaml:"entry_id"`
	Priority      float64  `json:"priority" yaml:"priority"`
	Density       float64  `json:"density" yaml:"density"`
	LibraryCalls  int      `json:"library_calls" yaml:"library_calls"`
	CriticalCalls int      `json:"critical_calls" yaml:"critical_calls"`
	Prompt        string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Combination   []string `json:"combination,omitempty" yaml:"combination,omitempty"`
	Path          string   `json:"path,omitempty" yaml:"path,omitempty"`
}

// RunSchedule executes the schedule command
func RunSchedule(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	count, _ := cmd.Flags().GetInt("count")

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.targets(cmd); err != nil {
		return err
	}
	target, _ := cmd.Flags().GetString("target")

	ctx, cancel := signalContext()
	defer cancel()

	entries, err := s.store.Entries(ctx, corpus.Filter{
		Target:   target,
		Statuses: []core.SeedStatus{core.StatusAccepted},
	})
	if err != nil {
		return fatal(err)
	}

	feed := scheduler.New(s.log.GetLogger()).Next(entries, count)
	items := make([]scheduleItem, len(feed))
	for i, f := range feed {
		e := f.Entry
		items[i] = scheduleItem{
			Round:         f.Round,
			Target:        e.Seed.Target,
			SeedID:        e.Seed.ID,
			EntryID:       e.EntryID,
			Priority:      f.Priority,
			Density:       e.Score.Density,
			LibraryCalls:  e.Score.LibraryCallCount,
			CriticalCalls: e.Score.CriticalCallCount,
			Prompt:        e.Seed.Prompt,
			Combination:   e.Seed.Combination,
			Path:          e.Path,
		}
	}

	if err := emit(cmd.OutOrStdout(), format, items, func(w io.Writer) { printSchedule(w, items) }); err != nil {
		return fatal(err)
	}
	return nil
}

func printSchedule(w io.Writer, items []scheduleItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No accepted seeds to schedule")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tTARGET\tSEED\tPRIORITY\tDENSITY\tCALLS\tCRITICAL\tPATH")
	for _, it := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%.4f\t%d\t%d\t%s\n",
			it.Round, it.Target, it.SeedID, it.Priority, it.Density, it.LibraryCalls, it.CriticalCalls, it.Path)
	}
	tw.Flush()
}
