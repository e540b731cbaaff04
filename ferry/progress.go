package ferry

import (
	"regexp"
	"strconv"
	"strings"
)

// The transfer tool's --stats output interleaves percentage lines and
// transferred-file counters, often several per stats tick and sometimes
// rewritten in place with carriage returns. The parser works per line and
// only ever moves progress forward.
var (
	percentPattern     = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	transferredPattern = regexp.MustCompile(`Transferred:\s*(\d+)\s*/\s*(\d+)`)
)

// ParseProgress extracts a progress update from one line of transfer output.
// Returns the parsed update and true if the line contained any progress
// information. Percentages are floored to integers; a line may carry a
// percentage, a file counter, or both.
func ParseProgress(line string) (Progress, bool) {
	var p Progress
	found := false

	if m := percentPattern.FindStringSubmatch(line); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil && f >= 0 && f <= 100 {
			p.Percent = int(f)
			found = true
		}
	}

	if m := transferredPattern.FindStringSubmatch(line); m != nil {
		done, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil && done <= total {
			p.FilesDone = done
			p.FilesTotal = total
			found = true
		}
	}

	return p, found
}

// Merge folds an update into the current progress, keeping fields the
// update did not carry and never letting percent move backwards. The tool
// restarts its percentage display between transfer phases; a lower number
// does not mean lost work.
func (p Progress) Merge(update Progress) Progress {
	merged := p
	if update.Percent > merged.Percent {
		merged.Percent = update.Percent
	}
	if update.FilesTotal > 0 {
		merged.FilesDone = update.FilesDone
		merged.FilesTotal = update.FilesTotal
	}
	return merged
}

// SplitOutputLines splits raw process output into logical lines. The
// progress display uses carriage returns to redraw, so \r is treated as a
// line break alongside \n.
func SplitOutputLines(chunk string) []string {
	chunk = strings.ReplaceAll(chunk, "\r\n", "\n")
	chunk = strings.ReplaceAll(chunk, "\r", "\n")
	var lines []string
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimRight(line, " \t")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
