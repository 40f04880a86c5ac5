/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: scheduler.go
Description: Seed scheduler for the Akaylee Seedbank. Orders accepted corpus entries by how
much reachable library surface they exercise relative to how densely they cover new branches,
and rotates across target libraries so no library starves another. Output is advisory only.
*/

package scheduler

import (
	"math"
	"sort"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/sirupsen/logrus"
)

// Scheduler produces the feed for the external seed generator
type Scheduler struct {
	logger logrus.FieldLogger
}

// New creates a scheduler
func New(logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{logger: logger.WithField("component", "scheduler")}
}

// Priority is the frontier heuristic: many library calls at low density marks a region that
// is reachable but under-explored
func Priority(e *core.CorpusEntry) float64 {
	density := e.Score.Density
	if math.IsNaN(density) || density < 0 {
		density = 0
	}
	return float64(e.Score.LibraryCallCount) * (1 - math.Min(density, 1))
}

// Next returns up to count entries, taking one entry per target per round with targets in
// name order. Only live Accepted entries are scheduled; count <= 0 means all of them.
func (s *Scheduler) Next(entries []*core.CorpusEntry, count int) []core.ScheduledEntry {
	queues := make(map[string]*PriorityQueue)
	for _, e := range entries {
		if e == nil || e.Seed == nil || e.Superseded || e.Status != core.StatusAccepted {
			continue
		}
		q, ok := queues[e.Seed.Target]
		if !ok {
			q = NewPriorityQueue()
			queues[e.Seed.Target] = q
		}
		q.Put(&core.ScheduledEntry{Entry: e, Priority: Priority(e)})
	}

	targets := make([]string, 0, len(queues))
	total := 0
	for t, q := range queues {
		targets = append(targets, t)
		total += q.Size()
	}
	sort.Strings(targets)
	if count <= 0 || count > total {
		count = total
	}

	out := make([]core.ScheduledEntry, 0, count)
	for round := 0; len(out) < count; round++ {
		for _, t := range targets {
			if len(out) == count {
				break
			}
			next := queues[t].Get()
			if next == nil {
				continue
			}
			next.Round = round
			out = append(out, *next)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"targets":   len(targets),
		"eligible":  total,
		"scheduled": len(out),
	}).Debug("Scheduled seeds")
	return out
}
