/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: critical.go
Description: Critical-function allowlist matching. Entries are exact function names or
path.Match globs such as "inflate*".
*/

package coverage

import (
	"path"
	"strings"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// CriticalMatcher decides which library calls are security-relevant
type CriticalMatcher struct {
	exact map[string]struct{}
	globs []string
}

// NewCriticalMatcher compiles an allowlist; patterns are validated by config loading
func NewCriticalMatcher(patterns []string) *CriticalMatcher {
	m := &CriticalMatcher{exact: make(map[string]struct{})}
	for _, p := range patterns {
		if strings.ContainsAny(p, "*?[") {
			m.globs = append(m.globs, p)
		} else {
			m.exact[p] = struct{}{}
		}
	}
	return m
}

// Match reports whether name is on the allowlist
func (m *CriticalMatcher) Match(name string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.exact[name]; ok {
		return true
	}
	for _, g := range m.globs {
		if ok, _ := path.Match(g, name); ok {
			return true
		}
	}
	return false
}

// Attribute fills report.CriticalCalls from report.LibraryCalls
func (m *CriticalMatcher) Attribute(report *core.CoverageReport) {
	for name, n := range report.LibraryCalls {
		if n > 0 && m.Match(name) {
			report.CriticalCalls[name] = n
		}
	}
}
