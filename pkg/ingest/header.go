/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: header.go
Description: Seed metadata header parsing and rendering. A header is a run of line-anchored
comment fields (ID, Prompt, Combination, score, nr_unique_branch, Quality) written with "//"
or "#" markers, either before or after the seed body. The Quality field is a strict JSON
object; anything that does not match its schema is rejected.
*/

package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// Header field names as they appear in seed files
const (
	FieldID             = "ID"
	FieldPrompt         = "Prompt"
	FieldCombination    = "Combination"
	FieldScore          = "score"
	FieldNrUniqueBranch = "nr_unique_branch"
	FieldQuality        = "Quality"
)

var (
	keyLine   = regexp.MustCompile(`^\s*(//|#)\s*(?i:(ID|Prompt|Combination|score|nr_unique_branch|Quality))\s*:\s?(.*)$`)
	directive = regexp.MustCompile(`^\s*#\s*(include|import|define|undef|if|ifdef|ifndef|elif|else|endif|pragma|error|warning|line)\b`)
)

// Quality is the upstream quality blob; every key is required
type Quality struct {
	Density        float64 `json:"density"`
	UniqueBranches float64 `json:"unique_branches"`
	LibraryCalls   float64 `json:"library_calls"`
	CriticalCalls  float64 `json:"critical_calls"`
	Visited        float64 `json:"visited"`
}

// Header is a parsed metadata block
type Header struct {
	ID             string
	Prompt         string
	Combination    []string
	Score          float64
	NrUniqueBranch int
	Quality        Quality
	Layout         core.HeaderLayout
}

type qualityWire struct {
	Density        *float64 `json:"density"`
	UniqueBranches *float64 `json:"unique_branches"`
	LibraryCalls   *float64 `json:"library_calls"`
	CriticalCalls  *float64 `json:"critical_calls"`
	Visited        *float64 `json:"visited"`
}

// SplitHeader separates the metadata block from the body
func SplitHeader(raw []byte) (*Header, []byte, error) {
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")

	idLine := -1
	var marker string
	for i, line := range lines {
		m := keyLine.FindStringSubmatch(line)
		if m != nil && canonicalKey(m[2]) == FieldID && isComment(line, m[1]) {
			idLine, marker = i, m[1]
			break
		}
	}
	if idLine < 0 {
		return nil, nil, fmt.Errorf("%w: missing %s field", core.ErrMalformedHeader, FieldID)
	}

	// The block is the run of comment lines around ID, starting at its first key line
	start := idLine
	for start > 0 && isComment(lines[start-1], marker) {
		start--
	}
	for start < idLine && keyLine.FindStringSubmatch(lines[start]) == nil {
		start++
	}
	end := blockEnd(lines, start, idLine, marker)

	fields := make(map[string]string)
	current := ""
	for _, line := range lines[start:end] {
		if m := keyLine.FindStringSubmatch(line); m != nil && m[1] == marker {
			key := canonicalKey(m[2])
			if _, dup := fields[key]; dup {
				return nil, nil, fmt.Errorf("%w: duplicate %s field", core.ErrMalformedHeader, key)
			}
			fields[key] = m[3]
			current = key
			continue
		}
		if !multiLine(current) {
			continue
		}
		fields[current] += "\n" + stripMarker(line, marker)
	}

	h := &Header{Layout: core.HeaderLayout{Marker: marker, Trailing: isTrailing(lines, end)}}
	if err := h.decode(fields); err != nil {
		return nil, nil, err
	}

	body := make([]string, 0, len(lines)-(end-start))
	body = append(body, lines[:start]...)
	body = append(body, lines[end:]...)
	return h, []byte(strings.Join(body, "\n")), nil
}

// multiLine reports whether a field may continue onto following comment lines
func multiLine(key string) bool {
	return key == FieldPrompt || key == FieldCombination
}

// blockEnd returns the index of the first line after the header block. Past the ID line
// the block only extends over key lines and continuations of multi-line fields, and it
// always ends after the Quality line, so a comment opening the body stays in the body.
func blockEnd(lines []string, start, idLine int, marker string) int {
	current := ""
	for _, line := range lines[start : idLine+1] {
		if m := keyLine.FindStringSubmatch(line); m != nil && m[1] == marker {
			current = canonicalKey(m[2])
		}
	}

	end := idLine + 1
	for current != FieldQuality && end < len(lines) && isComment(lines[end], marker) {
		if m := keyLine.FindStringSubmatch(lines[end]); m != nil && m[1] == marker {
			current = canonicalKey(m[2])
		} else if !multiLine(current) {
			break
		}
		end++
	}
	return end
}

func (h *Header) decode(fields map[string]string) error {
	id, ok := fields[FieldID]
	if !ok {
		return fmt.Errorf("%w: missing %s field", core.ErrMalformedHeader, FieldID)
	}
	id = strings.TrimSpace(id)
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return fmt.Errorf("%w: %s %q is not an integer", core.ErrMalformedHeader, FieldID, id)
	}
	h.ID = id

	score, ok := fields[FieldScore]
	if !ok {
		return fmt.Errorf("%w: missing %s field", core.ErrMalformedHeader, FieldScore)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(score), 64)
	if err != nil {
		return fmt.Errorf("%w: %s is not numeric", core.ErrMalformedHeader, FieldScore)
	}
	h.Score = v

	if nr, ok := fields[FieldNrUniqueBranch]; ok && strings.TrimSpace(nr) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(nr))
		if err != nil {
			return fmt.Errorf("%w: %s is not an integer", core.ErrMalformedHeader, FieldNrUniqueBranch)
		}
		h.NrUniqueBranch = n
	}

	blob, ok := fields[FieldQuality]
	if !ok {
		return fmt.Errorf("%w: missing %s field", core.ErrMalformedHeader, FieldQuality)
	}
	q, err := decodeQuality(blob)
	if err != nil {
		return err
	}
	h.Quality = q

	h.Prompt = strings.TrimSpace(fields[FieldPrompt])
	if h.Prompt == "[]" {
		h.Prompt = ""
	}
	h.Combination = parseList(fields[FieldCombination])
	return nil
}

func decodeQuality(blob string) (Quality, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(blob)))
	dec.DisallowUnknownFields()

	var w qualityWire
	if err := dec.Decode(&w); err != nil {
		return Quality{}, fmt.Errorf("%w: %s blob: %v", core.ErrMalformedHeader, FieldQuality, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Quality{}, fmt.Errorf("%w: trailing data after %s blob", core.ErrMalformedHeader, FieldQuality)
	}

	missing := make([]string, 0)
	for name, ptr := range map[string]*float64{
		"density":         w.Density,
		"unique_branches": w.UniqueBranches,
		"library_calls":   w.LibraryCalls,
		"critical_calls":  w.CriticalCalls,
		"visited":         w.Visited,
	} {
		if ptr == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Quality{}, fmt.Errorf("%w: %s blob missing %s", core.ErrMalformedHeader, FieldQuality, strings.Join(missing, ", "))
	}

	return Quality{
		Density:        *w.Density,
		UniqueBranches: *w.UniqueBranches,
		LibraryCalls:   *w.LibraryCalls,
		CriticalCalls:  *w.CriticalCalls,
		Visited:        *w.Visited,
	}, nil
}

// RenderHeader writes a header carrying the computed score
func RenderHeader(seed *core.Seed, score core.QualityScore) []byte {
	marker := seed.Header.Marker
	if marker == "" {
		marker = "//"
	}
	var b bytes.Buffer
	line := func(key, value string) {
		if value == "" {
			fmt.Fprintf(&b, "%s %s:\n", marker, key)
			return
		}
		fmt.Fprintf(&b, "%s %s: %s\n", marker, key, value)
	}

	line(FieldID, seed.ID)
	promptLines := strings.Split(seed.Prompt, "\n")
	line(FieldPrompt, promptLines[0])
	for _, cont := range promptLines[1:] {
		fmt.Fprintf(&b, "%s %s\n", marker, cont)
	}
	line(FieldCombination, "["+strings.Join(seed.Combination, ", ")+"]")
	line(FieldScore, strconv.FormatFloat(score.Composite, 'f', -1, 64))
	line(FieldNrUniqueBranch, strconv.Itoa(score.UniqueBranches))

	blob, _ := json.Marshal(Quality{
		Density:        score.Density,
		UniqueBranches: float64(score.UniqueBranches),
		LibraryCalls:   float64(score.LibraryCallCount),
		CriticalCalls:  float64(score.CriticalCallCount),
		Visited:        float64(score.VisitedCount),
	})
	line(FieldQuality, string(blob))
	return b.Bytes()
}

// Render reassembles a seed file with a freshly rendered header
func Render(seed *core.Seed, score core.QualityScore) []byte {
	header := RenderHeader(seed, score)
	body := strings.TrimRight(string(seed.Source), "\n")

	var b bytes.Buffer
	switch {
	case seed.Header.Trailing:
		b.WriteString(body)
		b.WriteString("\n")
		b.Write(header)
	case strings.HasPrefix(body, "#!"):
		first, rest, _ := strings.Cut(body, "\n")
		b.WriteString(first)
		b.WriteString("\n")
		b.Write(header)
		b.WriteString(rest)
		b.WriteString("\n")
	default:
		b.Write(header)
		b.WriteString(body)
		b.WriteString("\n")
	}
	return b.Bytes()
}

// SourceHash is the content identity of a seed body.
// Line endings, trailing whitespace and surrounding blank lines do not count.
func SourceHash(body []byte) string {
	lines := strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	normalized := strings.Trim(strings.Join(lines, "\n"), "\n")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func isComment(line, marker string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, marker) {
		return false
	}
	if marker == "#" && (directive.MatchString(line) || strings.HasPrefix(trimmed, "#!")) {
		return false
	}
	return true
}

func stripMarker(line, marker string) string {
	s := strings.TrimPrefix(strings.TrimLeft(line, " \t"), marker)
	return strings.TrimPrefix(s, " ")
}

func isTrailing(lines []string, end int) bool {
	for _, l := range lines[end:] {
		if strings.TrimSpace(l) != "" {
			return false
		}
	}
	return true
}

func canonicalKey(k string) string {
	for _, known := range []string{FieldID, FieldPrompt, FieldCombination, FieldScore, FieldNrUniqueBranch, FieldQuality} {
		if strings.EqualFold(k, known) {
			return known
		}
	}
	return k
}

func parseList(s string) []string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
