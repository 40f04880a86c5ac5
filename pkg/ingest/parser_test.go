/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: parser_test.go
Description: Tests for seed ingest: header parsing in both layouts, strict Quality blob
validation, target inference, content hashing and header rendering.
*/

package ingest_test

import (
	"context"
	"strings"
	"testing"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const qualityOK = `{"density": 0.1, "unique_branches": 3, "library_calls": 7, "critical_calls": 1, "visited": 30}`

const cppSeed = `// ID: 42
// Prompt: exercise inflate with a dictionary
// Combination: [inflateSetDictionary, inflate]
// score: 0.5
// nr_unique_branch: 3
// Quality: ` + qualityOK + `
#include <zlib.h>
#include <cstring>

int main() {
    z_stream s;
    std::memset(&s, 0, sizeof(s));
    return inflateInit(&s);
}
`

const shellSeed = `#!/bin/sh
#include <libpng16/png.h>
echo "B png.c:10:4:T 1"
# ID: 7
# Prompt:
# Combination: []
# score: 0
# Quality: ` + qualityOK + `
`

var qualityOKParsed = ingest.Quality{Density: 0.1, UniqueBranches: 3, LibraryCalls: 7, CriticalCalls: 1, Visited: 30}

var registry = map[string][]string{
	"zlib":   {"zlib.h"},
	"libpng": {"png.h"},
}

func newParser() *ingest.Parser {
	return ingest.NewParser(registry)
}

func TestParseLeadingHeader(t *testing.T) {
	seed, err := newParser().Parse("seeds/42.cpp", []byte(cppSeed))
	require.NoError(t, err)

	assert.Equal(t, "42", seed.ID)
	assert.Equal(t, "zlib", seed.Target)
	assert.Equal(t, "exercise inflate with a dictionary", seed.Prompt)
	assert.Equal(t, []string{"inflateSetDictionary", "inflate"}, seed.Combination)
	assert.Equal(t, []string{"zlib.h", "cstring"}, seed.Includes)
	assert.Equal(t, core.HeaderLayout{Marker: "//", Trailing: false}, seed.Header)
	assert.Equal(t, "seeds/42.cpp", seed.Path)
	assert.NotContains(t, string(seed.Source), "Quality")
	assert.Contains(t, string(seed.Source), "inflateInit")
	assert.Len(t, seed.SourceHash, 64)
}

func TestParseTrailingHashHeader(t *testing.T) {
	seed, err := newParser().Parse("7.sh", []byte(shellSeed))
	require.NoError(t, err)

	assert.Equal(t, "7", seed.ID)
	assert.Equal(t, "libpng", seed.Target, "base name of a nested include matches")
	assert.Empty(t, seed.Prompt)
	assert.Empty(t, seed.Combination)
	assert.Equal(t, core.HeaderLayout{Marker: "#", Trailing: true}, seed.Header)
	assert.True(t, strings.HasPrefix(string(seed.Source), "#!/bin/sh\n#include <libpng16/png.h>"))
}

func TestParseMalformedHeader(t *testing.T) {
	body := "#include <zlib.h>\nint main() { return 0; }\n"
	testCases := []struct {
		name   string
		header string
	}{
		{"missing ID", "// score: 1\n// Quality: " + qualityOK + "\n"},
		{"non-integer ID", "// ID: abc\n// score: 1\n// Quality: " + qualityOK + "\n"},
		{"missing score", "// ID: 1\n// Quality: " + qualityOK + "\n"},
		{"non-numeric score", "// ID: 1\n// score: high\n// Quality: " + qualityOK + "\n"},
		{"missing quality", "// ID: 1\n// score: 1\n"},
		{"quality not json", "// ID: 1\n// score: 1\n// Quality: {density: 1}\n"},
		{"quality unknown key", "// ID: 1\n// score: 1\n// Quality: " + strings.Replace(qualityOK, `"visited"`, `"bonus": 1, "visited"`, 1) + "\n"},
		{"quality missing key", "// ID: 1\n// score: 1\n// Quality: {\"density\": 0.1, \"unique_branches\": 3}\n"},
		{"quality string value", "// ID: 1\n// score: 1\n// Quality: " + strings.Replace(qualityOK, "0.1", `"0.1"`, 1) + "\n"},
		{"quality trailing data", "// ID: 1\n// score: 1\n// Quality: " + qualityOK + " {}\n"},
		{"duplicate key", "// ID: 1\n// ID: 2\n// score: 1\n// Quality: " + qualityOK + "\n"},
		{"bad nr_unique_branch", "// ID: 1\n// score: 1\n// nr_unique_branch: many\n// Quality: " + qualityOK + "\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newParser().Parse("bad.cpp", []byte(tc.header+body))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrMalformedHeader)
		})
	}
}

func TestParseUnknownTarget(t *testing.T) {
	header := "// ID: 1\n// score: 1\n// Quality: " + qualityOK + "\n"
	testCases := []struct {
		name string
		body string
	}{
		{"no registered include", "#include <cstring>\nint main() { return 0; }\n"},
		{"ambiguous", "#include <zlib.h>\n#include <png.h>\nint main() { return 0; }\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newParser().Parse("x.cpp", []byte(header+tc.body))
			assert.ErrorIs(t, err, core.ErrUnknownTarget)
		})
	}
}

func TestHeaderCheckedBeforeTarget(t *testing.T) {
	raw := "// ID: 1\n// score: 1\n// Quality: {}\n#include <cstring>\nint main() {}\n"
	_, err := newParser().Parse("x.cpp", []byte(raw))
	assert.ErrorIs(t, err, core.ErrMalformedHeader)
}

func TestHeaderContinuationAndCase(t *testing.T) {
	raw := "// id: 9\n// Prompt: first line\n// second line\n// Score: 2.5\n// quality: " + qualityOK + "\n#include <zlib.h>\nint main() {}\n"
	h, body, err := ingest.SplitHeader([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "9", h.ID)
	assert.Equal(t, "first line\nsecond line", h.Prompt)
	assert.Equal(t, 2.5, h.Score)
	assert.Equal(t, 30.0, h.Quality.Visited)
	assert.Equal(t, "#include <zlib.h>\nint main() {}\n", string(body))
}

func TestPlainCommentsAreNotHeader(t *testing.T) {
	raw := "// Copyright notice\n// ID: 3\n// score: 1\n// Quality: " + qualityOK + "\n#include <zlib.h>\n"
	h, body, err := ingest.SplitHeader([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "3", h.ID)
	assert.Equal(t, "// Copyright notice\n#include <zlib.h>\n", string(body))
}

func TestBodyCommentAfterHeader(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		body string
	}{
		{
			name: "banner under quality",
			raw:  "// ID: 9\n// Prompt: inflate unit tests\n// Combination: [inflate]\n// score: 0\n// Quality: " + qualityOK + "\n// C++11 unit tests for inflate\n#include <zlib.h>\nint main() {}\n",
			body: "// C++11 unit tests for inflate\n#include <zlib.h>\nint main() {}\n",
		},
		{
			name: "comment after single-line field",
			raw:  "// ID: 10\n// score: 0\n// Quality: " + qualityOK + "\n//\n// helpers\n#include <zlib.h>\n",
			body: "//\n// helpers\n#include <zlib.h>\n",
		},
		{
			name: "block comment banner",
			raw:  "// ID: 11\n// score: 0\n// Quality: " + qualityOK + "\n/* Copyright 2024 */\n#include <zlib.h>\n",
			body: "/* Copyright 2024 */\n#include <zlib.h>\n",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h, body, err := ingest.SplitHeader([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, qualityOKParsed, h.Quality)
			assert.Equal(t, tc.body, string(body))
			assert.False(t, h.Layout.Trailing)

			seed, err := newParser().Parse("seed.cpp", []byte(tc.raw))
			require.NoError(t, err)
			again, err := newParser().Parse("out", ingest.Render(seed, core.QualityScore{}))
			require.NoError(t, err)
			assert.Equal(t, seed.SourceHash, again.SourceHash)
		})
	}
}

func TestSingleLineFieldHasNoContinuation(t *testing.T) {
	raw := "// ID: 12\n// score: 1\n// not part of score\n// Quality: " + qualityOK + "\n#include <zlib.h>\n"
	h, body, err := ingest.SplitHeader([]byte(raw))
	require.Error(t, err, "the header ends at the stray comment, leaving Quality in the body")
	assert.ErrorIs(t, err, core.ErrMalformedHeader)
	assert.Nil(t, h)
	assert.Nil(t, body)
}

func TestSourceHashNormalization(t *testing.T) {
	a := ingest.SourceHash([]byte("int main() {\n  return 0;\n}\n"))
	b := ingest.SourceHash([]byte("\r\n\r\nint main() {  \r\n  return 0;\t\r\n}\r\n\r\n"))
	c := ingest.SourceHash([]byte("int main() {\n  return 1;\n}\n"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestRenderRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"leading", cppSeed},
		{"trailing", shellSeed},
		{"shebang leading", "#!/bin/sh\n# ID: 5\n# score: 0\n# Quality: " + qualityOK + "\n#include <zlib.h>\necho ok\n"},
	}
	score := core.QualityScore{Density: 0.25, UniqueBranches: 4, LibraryCallCount: 9, CriticalCallCount: 2, VisitedCount: 16, Composite: 5.25}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := newParser()
			seed, err := p.Parse("in", []byte(tc.raw))
			require.NoError(t, err)

			rendered := ingest.Render(seed, score)
			again, err := p.Parse("out", rendered)
			require.NoError(t, err)

			assert.Equal(t, seed.SourceHash, again.SourceHash)
			assert.Equal(t, seed.ID, again.ID)
			assert.Equal(t, seed.Target, again.Target)
			assert.Equal(t, seed.Header, again.Header)

			h, _, err := ingest.SplitHeader(rendered)
			require.NoError(t, err)
			assert.Equal(t, 5.25, h.Score)
			assert.Equal(t, 4, h.NrUniqueBranch)
			assert.Equal(t, ingest.Quality{Density: 0.25, UniqueBranches: 4, LibraryCalls: 9, CriticalCalls: 2, Visited: 16}, h.Quality)
		})
	}
}

func TestExtractIncludes(t *testing.T) {
	includes, err := ingest.ExtractIncludes(context.Background(), []byte("#include \"sqlite/sqliteInt.h\"\n#include <vector>\n#include <vector>\nint main() {}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"sqlite/sqliteInt.h", "vector"}, includes)

	// Not C++ at all; the line scan still finds the include
	includes, err = ingest.ExtractIncludes(context.Background(), []byte("#!/bin/sh\n#include <zlib.h>\nfi fi fi ((\n"))
	require.NoError(t, err)
	assert.Contains(t, includes, "zlib.h")
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.cpp", "x")
	writeFile(t, dir, "a.cpp", "x")
	writeFile(t, dir, "nested/c.cpp", "x")
	writeFile(t, dir, ".hidden/d.cpp", "x")

	files, err := ingest.Discover([]string{dir})
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.True(t, strings.HasSuffix(files[0], "a.cpp"))
	assert.True(t, strings.HasSuffix(files[2], "nested/c.cpp"))

	_, err = ingest.Discover([]string{dir + "/missing"})
	assert.Error(t, err)
}
