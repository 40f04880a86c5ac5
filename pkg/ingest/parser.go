/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: parser.go
Description: Seed ingest. Turns raw seed files into immutable Seeds: strips and validates
the metadata header, computes the content hash of the body and infers the target library
from the body's includes. Produces no side effects; quarantining rejected files is the
corpus store's job.
*/

package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// Parser implements core.SeedParser
type Parser struct {
	index *TargetIndex
}

// NewParser creates a parser for the given target -> headers registry
func NewParser(targets map[string][]string) *Parser {
	return &Parser{index: NewTargetIndex(targets)}
}

// Parse validates a raw seed file and returns the Seed it describes
func (p *Parser) Parse(path string, raw []byte) (*core.Seed, error) {
	header, body, err := SplitHeader(raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil, fmt.Errorf("%w: seed body is empty", core.ErrMalformedHeader)
	}

	includes, err := ExtractIncludes(context.Background(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrUnknownTarget, err)
	}
	target, err := p.index.Infer(includes)
	if err != nil {
		return nil, err
	}

	return &core.Seed{
		ID:          header.ID,
		Prompt:      header.Prompt,
		Combination: header.Combination,
		Target:      target,
		SourceHash:  SourceHash(body),
		Source:      body,
		Includes:    includes,
		Path:        path,
		Header:      header.Layout,
	}, nil
}

// ParseFile reads and parses a seed from disk
func (p *Parser) ParseFile(path string) (*core.Seed, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	seed, err := p.Parse(path, raw)
	return seed, raw, err
}

// Discover expands inputs into a sorted list of seed files.
// Directories are walked recursively; hidden entries are skipped.
func Discover(inputs []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}

	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, fmt.Errorf("failed to stat input %s: %w", input, err)
		}
		if !info.IsDir() {
			add(input)
			continue
		}
		err = filepath.WalkDir(input, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p != input && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", input, err)
		}
	}
	sort.Strings(files)
	return files, nil
}
