/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: metrics_test.go
Description: Tests for the Prometheus reporter, its HTTP endpoint and the batch profiler.
*/

package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kleascm/akaylee-seedbank/pkg/bitmap"
	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeSource struct {
	bm *bitmap.Bitmap
}

func (f *fakeSource) Snapshot(string) *bitmap.Snapshot {
	return f.bm.Snapshot()
}

func TestReporterRecordsOutcomes(t *testing.T) {
	src := &fakeSource{bm: bitmap.New()}
	logger, _ := test.NewNullLogger()
	r := NewPrometheusReporter(src, logger)
	seed := &core.Seed{ID: "1", Target: "zlib"}

	r.OnSeedExecuted(seed, &core.ExecutionResult{Termination: core.TerminationTimeout, WallDuration: 2 * time.Second, PeakRSS: 8 << 20})
	r.OnSeedExecuted(seed, &core.ExecutionResult{CompileFailed: true})
	assert.Equal(t, 2, testutil.CollectAndCount(r.sandboxRuns))
	assert.Equal(t, 1, testutil.CollectAndCount(r.sandboxPeakRSS))

	src.bm.Add([]uint64{1, 2, 3}, 1)
	r.OnSeedCommitted(seed, &core.CommitOutcome{
		Status: core.StatusAccepted,
		Entry:  &core.CorpusEntry{Contributed: []uint64{1, 2, 3}},
	})
	r.OnSeedCommitted(seed, &core.CommitOutcome{Status: core.StatusQuarantinedCrash})
	r.OnSeedCommitted(seed, &core.CommitOutcome{Status: core.StatusQuarantinedCrash})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.seeds.WithLabelValues("zlib", string(core.StatusAccepted))))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.seeds.WithLabelValues("zlib", string(core.StatusQuarantinedCrash))))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.bitmapEdges.WithLabelValues("zlib")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.uniqueBranches.WithLabelValues("zlib")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `seedbank_pipeline_seeds_total{outcome="Accepted",target="zlib"} 1`)
	assert.Contains(t, rec.Body.String(), "seedbank_sandbox_duration_seconds_bucket")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestEndpointLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	logger, _ := test.NewNullLogger()
	r := NewPrometheusReporter(nil, logger)
	r.SetBitmapEdges("zlib", 42)

	require.NoError(t, r.Start(context.Background(), "127.0.0.1:0"))
	assert.Error(t, r.Start(context.Background(), "127.0.0.1:0"))

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + r.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `seedbank_corpus_bitmap_edges{target="zlib"} 42`)

	require.NoError(t, r.Stop())
	assert.Error(t, r.Stop())
}

func TestProfilerWritesProfiles(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	p := NewProfiler(&ProfilerConfig{OutputDir: dir, CPUProfile: true, MemoryProfile: true, GoroutineProfile: true}, logger)

	require.NoError(t, p.Start())
	assert.Error(t, p.Start())

	results, err := p.Stop()
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ProfilerTypeCPU, results[0].Type)
	for _, r := range results {
		assert.FileExists(t, r.OutputFile)
		assert.Equal(t, dir, filepath.Dir(r.OutputFile))
	}

	_, err = p.Stop()
	assert.Error(t, err)
}
