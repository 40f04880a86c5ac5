/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: stage.go
Description: Staging area for validated seeds. The ingest command stages each valid seed under
<dir>/<target>/ so a later run picks up the batch; staged files keep their original bytes
and are re-parsed by the pipeline.
*/

package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// PendingDir is the staging directory name under the corpus root
const PendingDir = "_pending"

// Stage writes a validated seed into the staging area and returns its staged path.
// Staged names are prefixed with the content hash, so restaging the same body is a no-op.
func Stage(dir string, seed *core.Seed, raw []byte) (string, error) {
	targetDir := filepath.Join(dir, seed.Target)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s", seed.SourceHash[:12], filepath.Base(seed.Path))
	staged := filepath.Join(targetDir, name)
	if _, err := os.Stat(staged); err == nil {
		return staged, nil
	}

	tmp := staged + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return "", fmt.Errorf("failed to stage seed: %w", err)
	}
	if err := os.Rename(tmp, staged); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to stage seed: %w", err)
	}
	return staged, nil
}

// LoadStaged lists the staged seeds for a target in name order
func LoadStaged(dir, target string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, target))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		paths = append(paths, filepath.Join(dir, target, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Unstage removes a staged seed once the pipeline has routed it
func Unstage(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
