package compare

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

// LineComparator implements C3: byte-stream equality up to trailing
// whitespace and trailing blank-line normalization.
type LineComparator struct{}

// NewLineComparator constructs the stateless line comparator.
func NewLineComparator() *LineComparator {
	return &LineComparator{}
}

// Compare implements Comparator.
func (c *LineComparator) Compare(_ context.Context, userOut, answer, _ []byte, fullScore int) (Result, error) {
	userLines := splitTrimTrailingBlank(userOut)
	answerLines := splitTrimTrailingBlank(answer)

	if len(userLines) != len(answerLines) {
		return Result{
			Score:   0,
			Message: fmt.Sprintf("Expected %d lines, received %d lines", len(answerLines), len(userLines)),
		}, nil
	}

	for i := range answerLines {
		if strings.TrimRight(userLines[i], " \t\r") != strings.TrimRight(answerLines[i], " \t\r") {
			return Result{Score: 0, Message: fmt.Sprintf("Different at line %d.", i+1)}, nil
		}
	}

	return Result{Score: fullScore, Message: ""}, nil
}

// splitTrimTrailingBlank splits into lines and drops trailing blank lines,
// so trailing-newline differences never affect the verdict.
func splitTrimTrailingBlank(data []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
