/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: minimize.go
Description: Minimize command for the Akaylee Seedbank. Lists a small subset of accepted
seeds that together cover every edge the accepted corpus covers. Nothing is removed.
*/

package commands

import (
	"fmt"
	"io"

	"github.com/kleascm/akaylee-seedbank/pkg/corpus"
	"github.com/spf13/cobra"
)

// RunMinimize executes the minimize command
func RunMinimize(cmd *cobra.Command, args []string) error {
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

	ctx, cancel := signalContext()
	defer cancel()

	results := make([]*corpus.Minimization, 0, len(targets))
	for _, t := range targets {
		m, err := s.store.Minimize(ctx, t)
		if err != nil {
			return fatal(err)
		}
		results = append(results, m)
	}

	if err := emit(cmd.OutOrStdout(), format, results, func(w io.Writer) { printMinimization(w, results) }); err != nil {
		return fatal(err)
	}
	return nil
}

func printMinimization(w io.Writer, results []*corpus.Minimization) {
	for _, m := range results {
		fmt.Fprintf(w, "\n✂️  %s: %d of %d accepted seed(s) cover %d edge(s)\n",
			m.Target, len(m.Selected), m.Accepted, m.Covered)
		if m.Uncovered > 0 {
			fmt.Fprintf(w, "  %d bitmap edge(s) are only covered by superseded or demoted entries\n", m.Uncovered)
		}
		for _, e := range m.Selected {
			fmt.Fprintf(w, "  %-20s %-12s %s\n", e.Seed.ID, shortHash(e.Seed.SourceHash), e.Path)
		}
	}
}
