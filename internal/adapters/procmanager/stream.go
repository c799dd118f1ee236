package procmanager

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// progressRe matches a percentage anywhere in a renderer output line, e.g.
// "encoding: 42.5% done". Progress derived this way is approximate by
// contract; the renderer speaks human-readable lines, not a protocol.
var progressRe = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)

// phaseKeywords maps substrings of renderer output to step labels, in the
// order the pipeline runs them. First match wins.
var phaseKeywords = []struct {
	keyword string
	step    string
}{
	{"decod", "decode"},
	{"mixing", "mix"},
	{"mix", "mix"},
	{"render", "render"},
	{"encod", "encode"},
	{"mux", "mux"},
	{"thumbnail", "thumbnail"},
	{"finaliz", "finalize"},
}

// parseProgressLine extracts (progress, step) hints from one output line.
// ok is false when the line carries no percentage.
func parseProgressLine(line string) (int, string, bool) {
	match := progressRe.FindStringSubmatch(line)
	if match == nil {
		return 0, "", false
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, "", false
	}
	progress := int(value)
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	lower := strings.ToLower(line)
	step := ""
	for _, phase := range phaseKeywords {
		if strings.Contains(lower, phase.keyword) {
			step = phase.step
			break
		}
	}
	return progress, step, true
}

// consumeStream reads complete lines from r until EOF, feeding the log
// callback and, for percentage-bearing lines, the progress callback.
func consumeStream(
	jobID string,
	r io.Reader,
	tail *tailBuffer,
	onLog func(jobID, line string),
	onProgress func(jobID string, progress int, step string),
) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		tail.Add(line)
		if onLog != nil {
			onLog(jobID, line)
		}
		if onProgress != nil {
			if progress, step, ok := parseProgressLine(line); ok {
				onProgress(jobID, progress, step)
			}
		}
	}
}

// tailBuffer keeps the last n lines of a stream for exit reports.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.size {
		t.lines = t.lines[len(t.lines)-t.size:]
	}
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
