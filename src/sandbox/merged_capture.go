package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// mergedCapture serializes the turn-tagged transcript of a coordinated
// run into a single writer: one line per line of output from either side
// (a trailing line without a newline included), prefixed with '>' for the
// solution and '<' for the interactor.
type mergedCapture struct {
	mu sync.Mutex
	w  io.Writer
}

// marker emits a bare tag line, used once per side at the start of a
// coordinated run to record that side coming online before any of its
// actual output is captured.
func (m *mergedCapture) marker(tag byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.w, "%c\n", tag)
}

func (m *mergedCapture) line(tag byte, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.w, "%c%s\n", tag, line)
}

// teeForward copies src to dst line by line, logging each complete line to
// capture under tag before forwarding it. dst is closed once src is
// exhausted (or errors), delivering EOF downstream the same way the
// direct pipe wiring used to.
func teeForward(src io.Reader, dst io.WriteCloser, tag byte, capture *mergedCapture) {
	defer dst.Close()
	r := bufio.NewReader(src)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			capture.line(tag, strings.TrimSuffix(line, "\n"))
			if _, werr := io.WriteString(dst, line); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
