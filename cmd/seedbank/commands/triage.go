/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: triage.go
Description: Triage command for the Akaylee Seedbank. Reads the triage records written
next to quarantined crashes and groups them by stack hash, most severe first.
*/

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kleascm/akaylee-seedbank/pkg/analysis"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/corpus"
	"github.com/spf13/cobra"
)

// triageSummary is the crash grouping of one target
type triageSummary struct {
	Target  string                 `json:"target" yaml:"target"`
	Crashes int                    `json:"crashes" yaml:"crashes"`
	Groups  []*analysis.CrashGroup `json:"groups" yaml:"groups"`
}

// RunTriage executes the triage command
func RunTriage(cmd *cobra.Command, args []string) error {
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

	summaries := make([]triageSummary, 0, len(targets))
	for _, t := range targets {
		dir, _ := s.store.Layout().Partition(t, core.StatusQuarantinedCrash)
		results, err := loadTriage(dir)
		if err != nil {
			return fatal(err)
		}
		summaries = append(summaries, triageSummary{
			Target:  t,
			Crashes: len(results),
			Groups:  analysis.GroupByStack(results),
		})
	}

	if err := emit(cmd.OutOrStdout(), format, summaries, func(w io.Writer) { printTriage(w, summaries) }); err != nil {
		return fatal(err)
	}
	return nil
}

// loadTriage reads every triage record in a crash partition
func loadTriage(dir string) ([]*analysis.TriageResult, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+corpus.TriageSuffix))
	if err != nil {
		return nil, err
	}
	results := make([]*analysis.TriageResult, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read triage record: %w", err)
		}
		var tr analysis.TriageResult
		if err := json.Unmarshal(data, &tr); err != nil {
			return nil, fmt.Errorf("failed to parse triage record %s: %w", f, err)
		}
		results = append(results, &tr)
	}
	return results, nil
}

func printTriage(w io.Writer, summaries []triageSummary) {
	for _, sum := range summaries {
		fmt.Fprintf(w, "\n💥 %s: %d crash(es) in %d group(s)\n", sum.Target, sum.Crashes, len(sum.Groups))
		for _, g := range sum.Groups {
			hash := g.StackHash
			if hash == "" {
				hash = "(no stack)"
			}
			fmt.Fprintf(w, "  [%s] %s %s x%d\n", g.Severity, g.CrashType, shortHash(hash), len(g.Seeds))
			if len(g.Frames) > 0 {
				fmt.Fprintf(w, "    at %s\n", strings.Join(g.Frames, " <- "))
			}
			fmt.Fprintf(w, "    seeds: %s\n", strings.Join(g.Seeds, ", "))
		}
	}
}
