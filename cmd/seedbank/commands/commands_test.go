/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: commands_test.go
Description: Tests for the commands: exit code mapping, ingest staging and quarantine, and a
full ingest, run, report and schedule cycle over shell-script seeds traced by the sandbox.
*/

package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/corpus"
	"github.com/kleascm/akaylee-seedbank/pkg/ingest"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSeed = `// ID: 42
// Prompt: exercise inflate
// Combination: [inflate]
// score: 0
// Quality: {"density": 0, "unique_branches": 0, "library_calls": 0, "critical_calls": 0, "visited": 0}
#include <zlib.h>

int main() { return 0; }
`

const qualityBlob = `{"density": 0, "unique_branches": 0, "library_calls": 0, "critical_calls": 0, "visited": 0}`

const malformedSeed = `// ID: 43
// Quality: {"density": "high"}
#include <zlib.h>

int main() { return 0; }
`

func TestExitCode(t *testing.T) {
	assert.Equal(t, core.ExitOK, ExitCode(nil))
	assert.Equal(t, core.ExitFatal, ExitCode(errors.New("boom")))
	assert.Equal(t, core.ExitQuarantined, ExitCode(&ExitError{Code: core.ExitQuarantined, Err: errors.New("1 seed quarantined")}))
	assert.Equal(t, core.ExitFatal, ExitCode(fmt.Errorf("wrapped: %w", fatal(core.ErrCorpusCorrupt))))
	assert.ErrorIs(t, fatal(core.ErrCorpusCorrupt), core.ErrCorpusCorrupt)
}

func configureCorpus(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	v.Set("corpus.root", root)
	v.Set("log.level", "error")
	v.Set("targets", map[string]interface{}{
		"zlib": map[string]interface{}{
			"headers": []string{"zlib.h"},
			"compile": []string{"/bin/cp", "{src}", "{bin}"},
		},
	})
	return root
}

func TestRunIngest(t *testing.T) {
	root := configureCorpus(t)
	seeds := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(seeds, "good.cpp"), []byte(validSeed), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(seeds, "bad.cpp"), []byte(malformedSeed), 0644))

	err := RunIngest(&cobra.Command{}, []string{seeds})
	require.Error(t, err)
	assert.Equal(t, core.ExitQuarantined, ExitCode(err))

	staged, err := filepath.Glob(filepath.Join(root, "_pending", "zlib", "*-good.cpp"))
	require.NoError(t, err)
	assert.Len(t, staged, 1)

	reasons, err := filepath.Glob(filepath.Join(root, "_quarantine", "ingest", "*-bad.cpp.reason"))
	require.NoError(t, err)
	assert.Len(t, reasons, 1)

	// The good seed is already staged, so a second pass stages nothing new and rejects nothing
	require.NoError(t, os.Remove(filepath.Join(seeds, "bad.cpp")))
	assert.NoError(t, RunIngest(&cobra.Command{}, []string{seeds}))
}

func TestTargetsRejectsUnknownTarget(t *testing.T) {
	configureCorpus(t)
	s, err := openSession()
	require.NoError(t, err)
	defer s.close()

	cmd := &cobra.Command{}
	cmd.Flags().String("target", "", "")
	require.NoError(t, cmd.Flags().Set("target", "libxml2"))
	_, err = s.targets(cmd)
	assert.ErrorIs(t, err, core.ErrUnknownTarget)
	assert.Equal(t, core.ExitFatal, ExitCode(err))

	require.NoError(t, cmd.Flags().Set("target", ""))
	targets, err := s.targets(cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{"zlib"}, targets)
}

// testCommand builds a command carrying every flag the subcommands read
func testCommand(t *testing.T, set map[string]string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	cmd := &cobra.Command{}
	f := cmd.Flags()
	f.String("target", "", "")
	f.String("format", "text", "")
	f.String("out", "", "")
	f.String("metrics-addr", "", "")
	f.String("profile-dir", "", "")
	f.Int("workers", 0, "")
	f.Int("timeout", 0, "")
	f.Int("count", 10, "")
	f.Bool("verify", false, "")
	f.StringSlice("input", nil, "")
	for name, value := range set {
		require.NoError(t, f.Set(name, value))
	}

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	return cmd, &out
}

// configureShellCorpus registers a target whose seeds are shell scripts: "compiling" copies
// the script and the run writes its own coverage trace
func configureShellCorpus(t *testing.T) string {
	t.Helper()
	root := configureCorpus(t)
	v.Set("sandbox.scratch_dir", t.TempDir())
	v.Set("coverage.retry_delay", "1ms")
	v.Set("targets", map[string]interface{}{
		"zlib": map[string]interface{}{
			"headers":         []string{"zlib.h"},
			"compile":         []string{"/bin/cp", "{src}", "{bin}"},
			"run":             []string{"/bin/sh", "{bin}"},
			"source_ext":      ".sh",
			"coverage_format": "trace",
		},
	})
	return root
}

// tracedSeed writes a seed whose body emits the given trace records
func tracedSeed(t *testing.T, dir, id string, records ...string) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "// ID: %s\n// Prompt: seed %s\n// Combination: [inflate]\n// score: 0\n", id, id)
	b.WriteString(`// Quality: {"density": 0, "unique_branches": 0, "library_calls": 0, "critical_calls": 0, "visited": 0}` + "\n")
	b.WriteString("#include <zlib.h>\n")
	b.WriteString(`printf '%s\n' "SEEDBANK-TRACE 1"`)
	for _, r := range records {
		b.WriteString(` "` + r + `"`)
	}
	b.WriteString(` > "$SEEDBANK_TRACE_FILE"` + "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".cpp"), []byte(b.String()), 0644))
}

func TestRunReportAndSchedule(t *testing.T) {
	root := configureShellCorpus(t)
	seeds := t.TempDir()
	tracedSeed(t, seeds, "1",
		"L inflate.c:1", "L inflate.c:2", "L inflate.c:3", "L inflate.c:4",
		"B inflate.c:1:1:T 1", "B inflate.c:2:1:F 1", "C inflate 4")
	tracedSeed(t, seeds, "2", "L inflate.c:7", "L inflate.c:8", "B inflate.c:7:1:T 3", "C inflate")
	crash := "// ID: 3\n// score: 0\n// Quality: " + qualityBlob + "\n#include <zlib.h>\nkill -SEGV $$\n"
	require.NoError(t, os.WriteFile(filepath.Join(seeds, "3.cpp"), []byte(crash), 0644))

	ingestCmd, out := testCommand(t, nil)
	require.NoError(t, RunIngest(ingestCmd, []string{seeds}))
	assert.Regexp(t, `Staged:\s+3`, out.String())

	runCmd, out := testCommand(t, map[string]string{"workers": "1"})
	err := RunPipeline(runCmd, nil)
	require.Error(t, err)
	assert.Equal(t, core.ExitQuarantined, ExitCode(err), "the crash is quarantined")
	assert.Contains(t, out.String(), "Running 3 seed(s)")
	assert.Regexp(t, `Accepted:\s+2`, out.String())
	assert.Regexp(t, `Quarantined-Crash:\s+1`, out.String())
	assert.Regexp(t, `Executions:\s+3`, out.String())
	assert.Regexp(t, `Crashes:\s+1`, out.String())

	pending, err := ingest.LoadStaged(filepath.Join(root, "_pending"), "zlib")
	require.NoError(t, err)
	assert.Empty(t, pending, "routed seeds are unstaged")

	reportCmd, out := testCommand(t, map[string]string{"format": "json"})
	require.NoError(t, RunReport(reportCmd, nil))
	var stats []corpus.Stats
	require.NoError(t, json.Unmarshal(out.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "zlib", stats[0].Target)
	assert.Equal(t, 2, stats[0].Totals[core.StatusAccepted])
	assert.Equal(t, 1, stats[0].Totals[core.StatusQuarantinedCrash])
	assert.Equal(t, 3, stats[0].BitmapEdges)

	textCmd, out := testCommand(t, nil)
	require.NoError(t, RunReport(textCmd, nil))
	assert.Contains(t, out.String(), "zlib")
	assert.Regexp(t, `Bitmap edges:\s+3`, out.String())

	scheduleCmd, out := testCommand(t, map[string]string{"format": "json"})
	require.NoError(t, RunSchedule(scheduleCmd, nil))
	var items []scheduleItem
	require.NoError(t, json.Unmarshal(out.Bytes(), &items))
	require.Len(t, items, 2, "only accepted seeds are scheduled")
	assert.Equal(t, "1", items[0].SeedID)
	assert.InDelta(t, 2.0, items[0].Priority, 1e-9, "4 calls at density 0.5")
	assert.Equal(t, 4, items[0].LibraryCalls)
	assert.Equal(t, "2", items[1].SeedID)
	assert.InDelta(t, 0.5, items[1].Priority, 1e-9)

	// Everything staged has been routed, so a second run has nothing to do
	againCmd, out := testCommand(t, nil)
	require.NoError(t, RunPipeline(againCmd, nil))
	assert.Contains(t, out.String(), "Nothing to run")
}
