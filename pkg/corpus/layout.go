/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: layout.go
Description: Corpus directory layout. Seeds are partitioned by target library and by
outcome class; ingest rejects and the staging area live beside the targets under
underscore-prefixed directories.
*/

package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/ingest"
)

// Fixed names under the corpus root
const (
	ManifestFile        = "manifest.db"
	IngestQuarantineDir = "_quarantine/ingest"
	ReasonSuffix        = ".reason"
	StdoutSuffix        = ".stdout"
	StderrSuffix        = ".stderr"
	TriageSuffix        = ".triage.json"
	defaultSeedFileExt  = ".cpp"
)

var partitions = map[core.SeedStatus]string{
	core.StatusAccepted:               "accepted",
	core.StatusAblationVariant:        "ablation",
	core.StatusQuarantinedCrash:       "quarantine/crash",
	core.StatusQuarantinedUnscoreable: "quarantine/unscoreable",
	core.StatusFailedCompile:          "failed/compile",
	core.StatusRejectedDuplicate:      "rejected",
}

// Layout resolves paths inside a corpus root
type Layout struct {
	Root string
}

// Manifest returns the SQLite manifest path
func (l Layout) Manifest() string {
	return filepath.Join(l.Root, ManifestFile)
}

// Pending returns the staging directory
func (l Layout) Pending() string {
	return filepath.Join(l.Root, ingest.PendingDir)
}

// IngestQuarantine returns the directory for seeds rejected at ingest
func (l Layout) IngestQuarantine() string {
	return filepath.Join(l.Root, filepath.FromSlash(IngestQuarantineDir))
}

// Partition returns the directory holding seeds of target with status
func (l Layout) Partition(target string, status core.SeedStatus) (string, bool) {
	p, ok := partitions[status]
	if !ok {
		return "", false
	}
	return filepath.Join(l.Root, target, filepath.FromSlash(p)), true
}

// Ensure creates the root, the ingest quarantine and every partition of each target
func (l Layout) Ensure(targets []string, keepDuplicates bool) error {
	dirs := []string{l.Root, l.IngestQuarantine(), l.Pending()}
	for _, t := range targets {
		for status := range partitions {
			if status == core.StatusRejectedDuplicate && !keepDuplicates {
				continue
			}
			p, _ := l.Partition(t, status)
			dirs = append(dirs, p)
		}
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return nil
}

// SeedFileName names a persisted seed: "<id>-<hash12><ext>"
func SeedFileName(seed *core.Seed) string {
	ext := filepath.Ext(seed.Path)
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		ext = defaultSeedFileExt
	}
	id := seed.ID
	if id == "" {
		id = "seed"
	}
	hash := seed.SourceHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return fmt.Sprintf("%s-%s%s", id, hash, ext)
}

// writeAtomic writes data to path via a temporary file in the same directory
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
