package sender

import (
	"strings"
	"time"

	"github.com/justapithecus/runsync/types"
)

// outputTimeLayout is the console line timestamp, always UTC.
const outputTimeLayout = "2006-01-02T15:04:05.000000"

// stderrMarker prefixes every stderr line.
const stderrMarker = "ERROR "

// outputReassembler buffers console fragments per stream until a line
// terminator arrives.
//
// The timestamp is taken when the line completes, so a line split across
// fragments reports its completion time.
type outputReassembler struct {
	partial map[types.OutputType]*strings.Builder
	now     func() time.Time
}

func newOutputReassembler(now func() time.Time) *outputReassembler {
	return &outputReassembler{
		partial: make(map[types.OutputType]*strings.Builder),
		now:     now,
	}
}

// Feed adds a fragment. It returns the composed line once the fragment
// ends in a newline; otherwise the fragment is buffered and ok is false.
func (r *outputReassembler) Feed(stream types.OutputType, fragment string) (line string, ok bool) {
	if stream != types.OutputStderr {
		stream = types.OutputStdout
	}
	buf := r.partial[stream]
	if !strings.HasSuffix(fragment, "\n") {
		if buf == nil {
			buf = &strings.Builder{}
			r.partial[stream] = buf
		}
		buf.WriteString(fragment)
		return "", false
	}
	return r.compose(stream, fragment), true
}

func (r *outputReassembler) compose(stream types.OutputType, fragment string) string {
	var b strings.Builder
	if stream == types.OutputStderr {
		b.WriteString(stderrMarker)
	}
	b.WriteString(r.now().UTC().Format(outputTimeLayout))
	b.WriteByte(' ')
	if buf := r.partial[stream]; buf != nil {
		b.WriteString(buf.String())
		buf.Reset()
	}
	b.WriteString(fragment)
	return b.String()
}

// Drain terminates and returns any buffered partial lines, stdout first.
func (r *outputReassembler) Drain() []string {
	var lines []string
	for _, stream := range []types.OutputType{types.OutputStdout, types.OutputStderr} {
		if buf := r.partial[stream]; buf != nil && buf.Len() > 0 {
			lines = append(lines, r.compose(stream, "\n"))
		}
	}
	return lines
}
