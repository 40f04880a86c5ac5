/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: formatter.go
Description: Console log formatter for the Akaylee Seedbank. Colored, column-aligned output
with a short tag derived from the message (EXEC, COMMIT, QUARANTINE, ...) and fields printed
in a stable order so repeated runs diff cleanly.
*/

package logging

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SeedbankFormatter renders entries as "time LEVEL [TAG] message key=value ..."
type SeedbankFormatter struct {
	Timestamp bool
	Caller    bool
	Colors    bool
}

// Format implements logrus.Formatter
func (f *SeedbankFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var out strings.Builder

	if f.Timestamp {
		out.WriteString(f.paint(36, entry.Time.Format("2006-01-02 15:04:05.000")))
		out.WriteByte(' ')
	}

	level := fmt.Sprintf("%-7s", strings.ToUpper(entry.Level.String()))
	out.WriteString(f.paint(levelColor(entry.Level), level))
	out.WriteByte(' ')

	if tag := messageTag(entry.Message); tag != "" {
		out.WriteString(f.paint(35, "["+tag+"]"))
		out.WriteByte(' ')
	}

	if f.Caller && entry.HasCaller() {
		out.WriteString(f.paint(33, fmt.Sprintf("[%s:%d]", entry.Caller.File, entry.Caller.Line)))
		out.WriteByte(' ')
	}

	out.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out.WriteByte(' ')
			out.WriteString(f.paint(34, k))
			out.WriteByte('=')
			out.WriteString(formatValue(entry.Data[k]))
		}
	}

	out.WriteByte('\n')
	return []byte(out.String()), nil
}

func (f *SeedbankFormatter) paint(color int, s string) string {
	if !f.Colors {
		return s
	}
	return fmt.Sprintf("\033[%dm%s\033[0m", color, s)
}

func levelColor(level logrus.Level) int {
	switch level {
	case logrus.InfoLevel:
		return 32
	case logrus.WarnLevel:
		return 33
	case logrus.ErrorLevel:
		return 31
	case logrus.FatalLevel, logrus.PanicLevel:
		return 35
	default:
		return 37
	}
}

func messageTag(message string) string {
	switch {
	case strings.Contains(message, "executed"), strings.Contains(message, "timed out"):
		return "EXEC"
	case strings.Contains(message, "Crash"):
		return "CRASH"
	case strings.Contains(message, "quarantined"), strings.Contains(message, "rejected"):
		return "QUARANTINE"
	case strings.Contains(message, "committed"):
		return "COMMIT"
	case strings.Contains(message, "Statistics"), strings.Contains(message, "Batch"):
		return "STATS"
	case strings.Contains(message, "Worker"):
		return "WORKER"
	default:
		return ""
	}
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case time.Duration:
		return v.Round(time.Microsecond).String()
	case time.Time:
		return v.Format("15:04:05.000")
	case float64:
		return fmt.Sprintf("%.4g", v)
	case string:
		if len(v) > 64 {
			return v[:64] + "..."
		}
		if strings.ContainsAny(v, " \t") {
			return fmt.Sprintf("%q", v)
		}
		return v
	case error:
		return fmt.Sprintf("%q", v.Error())
	default:
		return fmt.Sprintf("%v", v)
	}
}
