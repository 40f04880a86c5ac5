/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: crash_triage.go
Description: Crash triage for quarantined seeds. Reads sanitizer reports and terminating
signals to classify a crash, estimate severity and exploitability, and compute a stack hash
from the top symbolized frames so crashes with the same root cause can be grouped.
*/

package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// CrashSeverity represents the severity level of a crash
type CrashSeverity int

const (
	SeverityLow CrashSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of crash severity
func (s CrashSeverity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the severity by name
func (s CrashSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name
func (s *CrashSeverity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		*s = SeverityLow
	}
	return nil
}

// CrashType represents the type of crash detected
type CrashType string

const (
	CrashTypeSegfault       CrashType = "SEGFAULT"
	CrashTypeBufferOverflow CrashType = "BUFFER_OVERFLOW"
	CrashTypeUseAfterFree   CrashType = "USE_AFTER_FREE"
	CrashTypeDoubleFree     CrashType = "DOUBLE_FREE"
	CrashTypeNullPointer    CrashType = "NULL_POINTER"
	CrashTypeStackOverflow  CrashType = "STACK_OVERFLOW"
	CrashTypeHeapOverflow   CrashType = "HEAP_OVERFLOW"
	CrashTypeMemoryLeak     CrashType = "MEMORY_LEAK"
	CrashTypeUndefined      CrashType = "UNDEFINED_BEHAVIOR"
	CrashTypeAssertion      CrashType = "ASSERTION"
	CrashTypeAbort          CrashType = "ABORT"
	CrashTypeUnknown        CrashType = "UNKNOWN"
)

// Exploitability represents the potential exploitability of a crash
type Exploitability string

const (
	ExploitabilityNone   Exploitability = "NONE"
	ExploitabilityLow    Exploitability = "LOW"
	ExploitabilityMedium Exploitability = "MEDIUM"
	ExploitabilityHigh   Exploitability = "HIGH"
)

// TriageResult is the triage record written next to a quarantined crash
type TriageResult struct {
	SeedID         string         `json:"seed_id" yaml:"seed_id"`
	Target         string         `json:"target" yaml:"target"`
	Signal         string         `json:"signal,omitempty" yaml:"signal,omitempty"`
	ExitCode       int            `json:"exit_code" yaml:"exit_code"`
	Sanitizer      string         `json:"sanitizer,omitempty" yaml:"sanitizer,omitempty"`
	BugType        string         `json:"bug_type,omitempty" yaml:"bug_type,omitempty"`
	CrashType      CrashType      `json:"crash_type" yaml:"crash_type"`
	Severity       CrashSeverity  `json:"severity" yaml:"severity"`
	Exploitability Exploitability `json:"exploitability" yaml:"exploitability"`
	Confidence     float64        `json:"confidence" yaml:"confidence"`
	Frames         []string       `json:"frames,omitempty" yaml:"frames,omitempty"`
	StackHash      string         `json:"stack_hash" yaml:"stack_hash"`
	Keywords       []string       `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	AnalyzedAt     time.Time      `json:"analyzed_at" yaml:"analyzed_at"`
}

type crashRule struct {
	crashType CrashType
	pattern   *regexp.Regexp
}

type exploitRule struct {
	level   Exploitability
	pattern *regexp.Regexp
}

var (
	sanitizerHeader = regexp.MustCompile(`ERROR: (\w+Sanitizer): ([\w-]+)`)
	ubsanReport     = regexp.MustCompile(`runtime error: (.+)`)
	stackFrame      = regexp.MustCompile(`(?m)^\s*#(\d+) 0x[0-9a-fA-F]+ in (\S+)`)
	nullAddress     = regexp.MustCompile(`(?i)address 0x0{4,}\b|null pointer`)
)

// Frames from the sanitizer runtime say nothing about the root cause
var runtimeFramePrefixes = []string{"__asan", "__ubsan", "__msan", "__sanitizer", "__interceptor", "__libc_start", "_start"}

// Triager classifies crashes
type Triager struct {
	crashRules   []crashRule
	exploitRules []exploitRule
	weights      map[CrashType]float64
	frameDepth   int
}

// NewTriager creates a triager with the built-in rule set
func NewTriager() *Triager {
	t := &Triager{frameDepth: 5}

	// Checked in order; the first match wins
	t.crashRules = []crashRule{
		{CrashTypeDoubleFree, regexp.MustCompile(`(?i)double[- ]free|attempting double-free`)},
		{CrashTypeUseAfterFree, regexp.MustCompile(`(?i)use[- ]after[- ]free`)},
		{CrashTypeHeapOverflow, regexp.MustCompile(`(?i)heap[- ]buffer[- ]overflow`)},
		{CrashTypeStackOverflow, regexp.MustCompile(`(?i)stack[- ]overflow|stack exhaustion`)},
		{CrashTypeBufferOverflow, regexp.MustCompile(`(?i)(stack|global|container)[- ]buffer[- ]overflow|buffer overflow|stack smashing`)},
		{CrashTypeMemoryLeak, regexp.MustCompile(`(?i)LeakSanitizer|detected memory leaks`)},
		{CrashTypeUndefined, regexp.MustCompile(`(?i)runtime error:`)},
		{CrashTypeAssertion, regexp.MustCompile(`(?i)assertion .*failed|assert.*failed`)},
		{CrashTypeSegfault, regexp.MustCompile(`(?i)segmentation fault|\bSEGV\b|sigsegv`)},
		{CrashTypeAbort, regexp.MustCompile(`(?i)\babort(ed)?\b|sigabrt`)},
	}

	t.exploitRules = []exploitRule{
		{ExploitabilityHigh, regexp.MustCompile(`(?i)WRITE of size|use[- ]after[- ]free|double[- ]free|heap[- ]buffer[- ]overflow`)},
		{ExploitabilityMedium, regexp.MustCompile(`(?i)READ of size|stack[- ]buffer[- ]overflow|global[- ]buffer[- ]overflow`)},
		{ExploitabilityLow, regexp.MustCompile(`(?i)null pointer|stack[- ]overflow|memory leak|assert`)},
	}

	t.weights = map[CrashType]float64{
		CrashTypeHeapOverflow:   0.95,
		CrashTypeUseAfterFree:   0.9,
		CrashTypeDoubleFree:     0.9,
		CrashTypeBufferOverflow: 0.85,
		CrashTypeSegfault:       0.7,
		CrashTypeStackOverflow:  0.6,
		CrashTypeUndefined:      0.5,
		CrashTypeNullPointer:    0.5,
		CrashTypeAssertion:      0.4,
		CrashTypeAbort:          0.35,
		CrashTypeMemoryLeak:     0.2,
	}
	return t
}

// Triage analyzes one crashed execution
func (t *Triager) Triage(seed *core.Seed, result *core.ExecutionResult) *TriageResult {
	report := string(result.Stderr)
	if len(result.Stdout) > 0 {
		report += "\n" + string(result.Stdout)
	}

	tr := &TriageResult{
		SeedID:     seed.ID,
		Target:     seed.Target,
		Signal:     result.Signal,
		ExitCode:   result.ExitCode,
		CrashType:  CrashTypeUnknown,
		AnalyzedAt: time.Now().UTC(),
	}
	if m := sanitizerHeader.FindStringSubmatch(report); m != nil {
		tr.Sanitizer, tr.BugType = m[1], m[2]
	} else if m := ubsanReport.FindStringSubmatch(report); m != nil {
		tr.Sanitizer, tr.BugType = "UndefinedBehaviorSanitizer", strings.TrimSpace(m[1])
	}

	tr.CrashType = t.classify(tr, report)
	tr.Exploitability = t.assessExploitability(tr, report)
	tr.Severity = t.severity(tr)
	tr.Frames = t.frames(report)
	tr.StackHash = StackHash(tr.CrashType, tr.Frames)
	tr.Keywords = keywords(report)
	tr.Confidence = confidence(tr)
	return tr
}

func (t *Triager) classify(tr *TriageResult, report string) CrashType {
	text := tr.BugType + "\n" + report
	for _, rule := range t.crashRules {
		if rule.pattern.MatchString(text) {
			if rule.crashType == CrashTypeSegfault && nullAddress.MatchString(report) {
				return CrashTypeNullPointer
			}
			return rule.crashType
		}
	}
	switch tr.Signal {
	case "SIGSEGV", "SIGBUS":
		return CrashTypeSegfault
	case "SIGABRT":
		return CrashTypeAbort
	}
	return CrashTypeUnknown
}

func (t *Triager) assessExploitability(tr *TriageResult, report string) Exploitability {
	for _, rule := range t.exploitRules {
		if rule.pattern.MatchString(report) {
			return rule.level
		}
	}
	switch tr.Signal {
	case "SIGILL":
		return ExploitabilityHigh
	case "SIGSEGV", "SIGBUS":
		return ExploitabilityMedium
	case "":
		if tr.Sanitizer == "" {
			return ExploitabilityNone
		}
	}
	return ExploitabilityLow
}

func (t *Triager) severity(tr *TriageResult) CrashSeverity {
	score := t.weights[tr.CrashType] * 10

	switch tr.Exploitability {
	case ExploitabilityHigh:
		score += 15
	case ExploitabilityMedium:
		score += 10
	case ExploitabilityLow:
		score += 5
	}

	switch tr.Signal {
	case "SIGILL":
		score += 10
	case "SIGSEGV", "SIGBUS":
		score += 8
	case "SIGABRT":
		score += 6
	}

	switch {
	case score >= 25:
		return SeverityCritical
	case score >= 18:
		return SeverityHigh
	case score >= 12:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// frames returns the top symbolized frames of the first stack in report
func (t *Triager) frames(report string) []string {
	out := make([]string, 0, t.frameDepth)
	for _, m := range stackFrame.FindAllStringSubmatch(report, -1) {
		// A second "#0" starts the allocation/free stack; stop at the crash stack
		if m[1] == "0" && len(out) > 0 {
			break
		}
		fn := m[2]
		if isRuntimeFrame(fn) {
			continue
		}
		out = append(out, fn)
		if len(out) == t.frameDepth {
			break
		}
	}
	return out
}

func isRuntimeFrame(fn string) bool {
	for _, p := range runtimeFramePrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// StackHash identifies a crash by its type and top frames; empty when there are no frames
func StackHash(crashType CrashType, frames []string) string {
	if len(frames) == 0 {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(crashType))
	h.Write([]byte("\n"))
	h.Write([]byte(strings.Join(frames, "\n")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func keywords(report string) []string {
	lower := strings.ToLower(report)
	out := make([]string, 0)
	for _, k := range []string{"overflow", "use-after-free", "double-free", "leak", "null", "segv", "abort", "assert", "uninitialized"} {
		if strings.Contains(lower, k) {
			out = append(out, k)
		}
	}
	return out
}

func confidence(tr *TriageResult) float64 {
	c := 0.5
	if tr.CrashType != CrashTypeUnknown {
		c += 0.2
	}
	if tr.Sanitizer != "" {
		c += 0.15
	}
	if len(tr.Frames) > 0 {
		c += 0.1
	}
	if c > 1.0 {
		c = 1.0
	}
	return c
}

// CrashGroup collects crashes that share a stack hash
type CrashGroup struct {
	StackHash string          `json:"stack_hash" yaml:"stack_hash"`
	CrashType CrashType       `json:"crash_type" yaml:"crash_type"`
	Severity  CrashSeverity   `json:"severity" yaml:"severity"`
	Frames    []string        `json:"frames,omitempty" yaml:"frames,omitempty"`
	Seeds     []string        `json:"seeds" yaml:"seeds"`
	Triages   []*TriageResult `json:"-" yaml:"-"`
}

// GroupByStack buckets triage results by stack hash, most severe and largest groups first.
// Results without a stack hash each form their own group.
func GroupByStack(results []*TriageResult) []*CrashGroup {
	byHash := make(map[string]*CrashGroup)
	groups := make([]*CrashGroup, 0)
	for _, r := range results {
		key := r.StackHash
		if key == "" {
			key = "seed:" + r.Target + "/" + r.SeedID
		}
		g, ok := byHash[key]
		if !ok {
			g = &CrashGroup{StackHash: r.StackHash, CrashType: r.CrashType, Frames: r.Frames}
			byHash[key] = g
			groups = append(groups, g)
		}
		if r.Severity > g.Severity {
			g.Severity = r.Severity
		}
		g.Seeds = append(g.Seeds, r.SeedID)
		g.Triages = append(g.Triages, r)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Severity != groups[j].Severity {
			return groups[i].Severity > groups[j].Severity
		}
		return len(groups[i].Seeds) > len(groups[j].Seeds)
	})
	return groups
}
