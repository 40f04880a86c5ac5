/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: include.go
Description: Include extraction for seed bodies. Uses a tree-sitter C++ grammar to find
preprocessor includes, falling back to a line scan when the tree contains parse errors
(LLM-generated seeds are frequently not valid C++). Include names are matched against the
target registry to infer which library a seed exercises.
*/

package ingest

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/cpp"
)

var includeLine = regexp.MustCompile(`(?m)^\s*#\s*include\s*[<"]([^>"]+)[>"]`)

// ExtractIncludes returns the include names declared by a source body, in order of appearance.
// A new parser is created per call; tree-sitter parsers are not safe for concurrent use.
func ExtractIncludes(ctx context.Context, src []byte) ([]string, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(cpp.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seed body: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	var found []string
	collectIncludes(root, src, &found)
	if root.HasError() {
		found = append(found, scanIncludes(src)...)
	}
	return dedupe(found), nil
}

func collectIncludes(n *sitter.Node, src []byte, out *[]string) {
	if n == nil {
		return
	}
	if n.Type() == "preproc_include" {
		if p := n.ChildByFieldName("path"); p != nil {
			if name := strings.Trim(p.Content(src), `<>" `); name != "" {
				*out = append(*out, name)
			}
		}
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		collectIncludes(n.NamedChild(i), src, out)
	}
}

func scanIncludes(src []byte) []string {
	var out []string
	for _, m := range includeLine.FindAllSubmatch(src, -1) {
		out = append(out, strings.TrimSpace(string(m[1])))
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// TargetIndex maps identifying header names to target names
type TargetIndex struct {
	headers map[string]string
}

// NewTargetIndex builds an index from target -> headers
func NewTargetIndex(targets map[string][]string) *TargetIndex {
	idx := &TargetIndex{headers: make(map[string]string)}
	for name, headers := range targets {
		for _, h := range headers {
			idx.headers[h] = name
		}
	}
	return idx
}

// Infer picks the single target whose headers the includes reference.
// Includes match on their full name or their base name ("libpng16/png.h" matches "png.h").
func (idx *TargetIndex) Infer(includes []string) (string, error) {
	matched := make(map[string]struct{})
	for _, inc := range includes {
		if t, ok := idx.headers[inc]; ok {
			matched[t] = struct{}{}
			continue
		}
		if t, ok := idx.headers[path.Base(inc)]; ok {
			matched[t] = struct{}{}
		}
	}

	switch len(matched) {
	case 0:
		return "", fmt.Errorf("%w: no include matches a registered target", core.ErrUnknownTarget)
	case 1:
		for t := range matched {
			return t, nil
		}
	}
	names := make([]string, 0, len(matched))
	for t := range matched {
		names = append(names, t)
	}
	sort.Strings(names)
	return "", fmt.Errorf("%w: includes match several targets (%s)", core.ErrUnknownTarget, strings.Join(names, ", "))
}
