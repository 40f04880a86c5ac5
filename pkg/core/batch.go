/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: batch.go
Description: Batch bookkeeping for pipeline runs. Records the outcome of every seed in a
batch and derives the per-outcome counts and process exit code shown to the operator.
*/

package core

import (
	"sort"
	"sync"
	"time"
)

// Process exit codes
const (
	ExitOK          = 0
	ExitQuarantined = 1
	ExitFatal       = 2
)

// SeedRecord is the per-seed line of a batch result
type SeedRecord struct {
	Path        string        `json:"path" yaml:"path"`
	SeedID      string        `json:"seed_id,omitempty" yaml:"seed_id,omitempty"`
	Target      string        `json:"target,omitempty" yaml:"target,omitempty"`
	Status      SeedStatus    `json:"status" yaml:"status"`
	Termination string        `json:"termination,omitempty" yaml:"termination,omitempty"`
	Score       *QualityScore `json:"score,omitempty" yaml:"score,omitempty"`
	EntryID     string        `json:"entry_id,omitempty" yaml:"entry_id,omitempty"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// BatchResult collects outcomes for one run; safe for concurrent Record calls
type BatchResult struct {
	RunID    string             `json:"run_id" yaml:"run_id"`
	Target   string             `json:"target" yaml:"target"`
	Started  time.Time          `json:"started" yaml:"started"`
	Finished time.Time          `json:"finished" yaml:"finished"`
	Counts   map[SeedStatus]int `json:"counts" yaml:"counts"`
	Records  []SeedRecord       `json:"records" yaml:"records"`
	Fatal    string             `json:"fatal,omitempty" yaml:"fatal,omitempty"`

	mu sync.Mutex
}

// NewBatchResult creates an empty batch result
func NewBatchResult(runID, target string) *BatchResult {
	return &BatchResult{
		RunID:   runID,
		Target:  target,
		Started: time.Now(),
		Counts:  make(map[SeedStatus]int),
		Records: make([]SeedRecord, 0),
	}
}

// Record adds one seed outcome
func (b *BatchResult) Record(rec SeedRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Counts[rec.Status]++
	b.Records = append(b.Records, rec)
}

// Finish stamps the end time and orders records by path
func (b *BatchResult) Finish(fatal error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Finished = time.Now()
	if fatal != nil {
		b.Fatal = fatal.Error()
	}
	sort.SliceStable(b.Records, func(i, j int) bool { return b.Records[i].Path < b.Records[j].Path })
}

// Count returns the number of seeds with the given status
func (b *BatchResult) Count(status SeedStatus) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Counts[status]
}

// Total returns the number of recorded seeds
func (b *BatchResult) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Records)
}

// Quarantined returns how many seeds went to a quarantine area
func (b *BatchResult) Quarantined() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for status, count := range b.Counts {
		if status.Quarantined() {
			n += count
		}
	}
	return n
}

// ExitCode maps the batch to the process exit code
func (b *BatchResult) ExitCode() int {
	b.mu.Lock()
	fatal := b.Fatal
	b.mu.Unlock()
	if fatal != "" {
		return ExitFatal
	}
	if b.Quarantined() > 0 {
		return ExitQuarantined
	}
	return ExitOK
}
