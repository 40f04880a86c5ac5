/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: rescore.go
Description: Rescore command for the Akaylee Seedbank. Re-scores accepted entries against
the rest of the corpus, or verifies that every stored score can be reproduced.
*/

package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/corpus"
	"github.com/spf13/cobra"
)

// rescoreSummary is the per-target result of a rescore or verify pass
type rescoreSummary struct {
	Target    string `json:"target" yaml:"target"`
	Revisions int    `json:"revisions,omitempty" yaml:"revisions,omitempty"`
	Demoted   int    `json:"demoted,omitempty" yaml:"demoted,omitempty"`
	Verified  int    `json:"verified,omitempty" yaml:"verified,omitempty"`
	Errors    string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// RunRescore executes the rescore command
func RunRescore(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	verify, _ := cmd.Flags().GetBool("verify")

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

	summaries := make([]rescoreSummary, 0, len(targets))
	mismatches := 0
	for _, t := range targets {
		sum := rescoreSummary{Target: t}
		if verify {
			n, err := s.store.VerifyAll(ctx, t)
			sum.Verified = n
			if err != nil {
				if !errors.Is(err, corpus.ErrVerifyMismatch) {
					return fatal(err)
				}
				mismatches++
				sum.Errors = err.Error()
			}
		} else {
			res, err := s.store.Rescore(ctx, t)
			if err != nil {
				return fatal(err)
			}
			sum.Revisions = len(res.Revisions)
			sum.Demoted = res.Demoted
		}
		summaries = append(summaries, sum)
	}

	if err := emit(cmd.OutOrStdout(), format, summaries, func(w io.Writer) { printRescore(w, summaries, verify) }); err != nil {
		return fatal(err)
	}
	if mismatches > 0 {
		return fatal(fmt.Errorf("%w: %d target(s) failed verification", core.ErrCorpusCorrupt, mismatches))
	}
	return nil
}

func printRescore(w io.Writer, summaries []rescoreSummary, verify bool) {
	for _, sum := range summaries {
		switch {
		case verify && sum.Errors != "":
			fmt.Fprintf(w, "❌ %s: %d verified, mismatches:\n%s\n", sum.Target, sum.Verified, sum.Errors)
		case verify:
			fmt.Fprintf(w, "✅ %s: %d stored score(s) reproduced\n", sum.Target, sum.Verified)
		default:
			fmt.Fprintf(w, "🔁 %s: %d revision(s), %d demoted\n", sum.Target, sum.Revisions, sum.Demoted)
		}
	}
}
