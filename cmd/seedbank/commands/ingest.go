/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: ingest.go
Description: Ingest command for the Akaylee Seedbank. Validates seed files, stages the
valid ones for the next run and quarantines the rest, either once or continuously while
watching a drop directory.
*/

package commands

import (
	"fmt"
	"io"
	"sync"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/ingest"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ingestTally counts ingest outcomes; the watcher calls in from several goroutines
type ingestTally struct {
	mu          sync.Mutex
	staged      int
	duplicates  int
	quarantined map[core.SeedStatus]int
}

func (t *ingestTally) add(status core.SeedStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch status {
	case core.StatusDuplicateSeed:
		t.duplicates++
	case "":
		t.staged++
	default:
		t.quarantined[status]++
	}
}

func (t *ingestTally) rejected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.quarantined {
		n += c
	}
	return n
}

// RunIngest executes the ingest command
func RunIngest(cmd *cobra.Command, args []string) error {
	watch, _ := cmd.Flags().GetBool("watch")
	settle, _ := cmd.Flags().GetDuration("settle")
	if watch && len(args) != 1 {
		return fatal(fmt.Errorf("--watch takes exactly one directory"))
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	parser := ingest.NewParser(s.cfg.HeaderRegistry())
	tally := &ingestTally{quarantined: make(map[core.SeedStatus]int)}
	logger := s.log.GetLogger()

	process := func(path string) error {
		status, err := ingestOne(s, parser, path)
		if err != nil {
			return err
		}
		tally.add(status)
		return nil
	}

	files, err := ingest.Discover(args)
	if err != nil {
		return fatal(err)
	}
	for _, f := range files {
		if err := process(f); err != nil {
			return fatal(err)
		}
	}

	if watch {
		ctx, cancel := signalContext()
		defer cancel()

		var watchErr error
		var once sync.Once
		watcher := ingest.NewWatcher(args[0], settle, func(path string) {
			if err := process(path); err != nil {
				logger.WithField("path", path).Errorf("Ingest failed: %v", err)
				once.Do(func() {
					watchErr = err
					cancel()
				})
			}
		}, logger)

		fmt.Fprintf(cmd.OutOrStdout(), "👀 Watching %s for seeds (Ctrl+C to stop)\n", args[0])
		if err := watcher.Run(ctx); err != nil {
			return fatal(err)
		}
		if watchErr != nil {
			return fatal(watchErr)
		}
	}

	printIngestSummary(cmd.OutOrStdout(), tally)
	if n := tally.rejected(); n > 0 {
		return &ExitError{Code: core.ExitQuarantined, Err: fmt.Errorf("%d seed(s) quarantined at ingest", n)}
	}
	return nil
}

// ingestOne validates one file. It returns "" when the seed was staged, otherwise the
// outcome it was routed to. Only persistence failures are returned as errors.
func ingestOne(s *session, parser *ingest.Parser, path string) (core.SeedStatus, error) {
	seed, raw, err := parser.ParseFile(path)
	if err != nil {
		status, ok := core.StatusForError(err)
		if !ok {
			status = core.StatusMalformedHeader
		}
		if qerr := s.store.QuarantineIngest(path, raw, err); qerr != nil {
			return "", qerr
		}
		s.log.LogQuarantine(path, status, err.Error())
		return status, nil
	}

	if s.store.Known(seed.SourceHash) {
		s.log.GetLogger().WithFields(logrus.Fields{
			"path":        path,
			"seed":        seed.ID,
			"source_hash": seed.SourceHash,
		}).Info("Seed already in corpus")
		return core.StatusDuplicateSeed, nil
	}

	staged, err := ingest.Stage(s.store.Layout().Pending(), seed, raw)
	if err != nil {
		return "", err
	}
	s.log.GetLogger().WithFields(logrus.Fields{
		"path":   path,
		"seed":   seed.ID,
		"target": seed.Target,
		"staged": staged,
	}).Debug("Seed staged")
	return "", nil
}

func printIngestSummary(w io.Writer, t *ingestTally) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(w, "\n📥 Ingest Summary:\n")
	fmt.Fprintf(w, "  Staged:      %d\n", t.staged)
	fmt.Fprintf(w, "  Duplicates:  %d\n", t.duplicates)
	for _, status := range core.AllStatuses {
		if n := t.quarantined[status]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", string(status)+":", n)
		}
	}
}
