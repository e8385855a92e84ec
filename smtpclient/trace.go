package smtpclient

import (
	"fmt"
	"io"
	"strings"

	"github.com/cloudmailing/cm/mlog"
)

// maxTranscriptLines is the number of protocol lines kept for a transcript.
// Earlier lines are dropped, with a marker.
const maxTranscriptLines = 200

// transcript holds the protocol lines of a session, stored with recipients whose
// delivery failed.
type transcript struct {
	lines   []string
	dropped int
}

func (t *transcript) add(prefix, line string) {
	if len(t.lines) >= maxTranscriptLines {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:len(t.lines)-1]
		t.dropped++
	}
	t.lines = append(t.lines, prefix+line)
}

func (t *transcript) reset() {
	t.lines = nil
	t.dropped = 0
}

func (t *transcript) String() string {
	var b strings.Builder
	if t.dropped > 0 {
		fmt.Fprintf(&b, "(%d earlier lines dropped)\n", t.dropped)
	}
	for _, l := range t.lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

// dataTracer writes message data to w, logging it at tracedata level and
// counting the bytes written.
type dataTracer struct {
	log mlog.Log
	w   io.Writer
	n   int64
}

func (t *dataTracer) Write(buf []byte) (int, error) {
	t.log.Trace(mlog.LevelTracedata, "LC: ", buf)
	n, err := t.w.Write(buf)
	t.n += int64(n)
	return n, err
}
