/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: trace.go
Description: Parser for the line-oriented trace format written by instrumented harnesses:

	SEEDBANK-TRACE 1
	L <location>            visited program point
	B <edge> <hits>         branch edge and hit count
	C <function> [count]    library entry point invocation (count defaults to 1)
	# comment

Repeated records accumulate.
*/

package coverage

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// TraceMagic is the required first line of a trace file
const TraceMagic = "SEEDBANK-TRACE 1"

// ParseTrace reads a trace artifact
func ParseTrace(r io.Reader) (*core.CoverageReport, error) {
	report := core.NewCoverageReport()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	sawMagic := false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !sawMagic {
			if line != TraceMagic {
				return nil, fmt.Errorf("%w: trace line %d: missing %q header", core.ErrCoverageParse, lineNo, TraceMagic)
			}
			sawMagic = true
			continue
		}

		fields := strings.Fields(line)
		switch {
		case fields[0] == "L" && len(fields) == 2:
			report.VisitedLines[fields[1]] = struct{}{}
		case fields[0] == "B" && len(fields) == 3:
			hits, err := strconv.ParseUint(fields[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: trace line %d: bad hit count %q", core.ErrCoverageParse, lineNo, fields[2])
			}
			report.BranchHits[fields[1]] += hits
		case fields[0] == "C" && (len(fields) == 2 || len(fields) == 3):
			count := 1
			if len(fields) == 3 {
				n, err := strconv.Atoi(fields[2])
				if err != nil || n < 0 {
					return nil, fmt.Errorf("%w: trace line %d: bad call count %q", core.ErrCoverageParse, lineNo, fields[2])
				}
				count = n
			}
			if count > 0 {
				report.LibraryCalls[fields[1]] += count
			}
		default:
			return nil, fmt.Errorf("%w: trace line %d: unrecognized record %q", core.ErrCoverageParse, lineNo, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCoverageParse, err)
	}
	if !sawMagic {
		return nil, fmt.Errorf("%w: empty trace", core.ErrCoverageParse)
	}
	return report, nil
}
