/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logger_test.go
Description: Tests for the logging system: config validation, file output, retention and
the console formatter.
*/

package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
	"github.com/kleascm/akaylee-seedbank/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *logging.LoggerConfig)
		wantErr bool
	}{
		{"default", func(c *logging.LoggerConfig) {}, false},
		{"bad format", func(c *logging.LoggerConfig) { c.Format = "xml" }, true},
		{"bad level", func(c *logging.LoggerConfig) { c.Level = "loud" }, true},
		{"file without retention", func(c *logging.LoggerConfig) { c.OutputDir = "x"; c.MaxFiles = 0 }, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := logging.DefaultConfig()
			tc.mutate(c)
			if tc.wantErr {
				assert.Error(t, c.Validate())
			} else {
				assert.NoError(t, c.Validate())
			}
		})
	}
}

func TestLoggerWritesFileAndConsole(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	cfg := logging.DefaultConfig()
	cfg.OutputDir = dir
	cfg.Format = logging.LogFormatJSON
	cfg.Output = &console

	l, err := logging.NewLogger(cfg)
	require.NoError(t, err)

	l.LogQuarantine("seeds/bad.cpp", core.StatusMalformedHeader, "missing Quality")
	require.NoError(t, l.Close())

	assert.Contains(t, console.String(), `"status":"Malformed-Header"`)
	data, err := os.ReadFile(l.FilePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"reason":"missing Quality"`)
}

func TestLoggerRetention(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "seedbank_2020-01-0"+string(rune('1'+i))+"_00-00-00.000.log")
		require.NoError(t, os.WriteFile(name, []byte("old"), 0644))
	}

	cfg := logging.DefaultConfig()
	cfg.OutputDir = dir
	cfg.MaxFiles = 2
	cfg.Output = &bytes.Buffer{}
	l, err := logging.NewLogger(cfg)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "seedbank_*.log"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Contains(t, files, l.FilePath())
}

func TestSeedbankFormatter(t *testing.T) {
	f := &logging.SeedbankFormatter{Timestamp: false, Colors: false}
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Now(),
		Level:   logrus.WarnLevel,
		Message: "Seed quarantined",
		Data:    logrus.Fields{"seed": "12", "reason": "bad quality blob", "duration": 1500 * time.Millisecond},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "WARNING [QUARANTINE] Seed quarantined duration=1.5s reason=\"bad quality blob\" seed=12\n", string(out))
}
