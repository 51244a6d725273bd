package filestream

import "strings"

// Chunk is the content sent for one file in one request.
// Offset is the line index at which Content starts on the server.
type Chunk struct {
	Offset  int      `json:"offset"`
	Content []string `json:"content"`
}

// FilePolicy turns buffered lines into the chunk sent for a file.
// Policies are stateful and called once per flush, in flush order.
type FilePolicy interface {
	Process(lines []string) Chunk
}

// SummaryPolicy keeps only the latest line, always at offset 0.
type SummaryPolicy struct{}

// Process returns the last line.
func (SummaryPolicy) Process(lines []string) Chunk {
	if len(lines) == 0 {
		return Chunk{Content: []string{}}
	}
	return Chunk{Offset: 0, Content: []string{lines[len(lines)-1]}}
}

// JSONLPolicy appends lines starting at a line offset.
type JSONLPolicy struct {
	next int
}

// NewJSONLPolicy starts appending at offset.
func NewJSONLPolicy(offset int) *JSONLPolicy {
	return &JSONLPolicy{next: offset}
}

// Process returns lines at the current offset and advances it.
func (p *JSONLPolicy) Process(lines []string) Chunk {
	c := Chunk{Offset: p.next, Content: append([]string(nil), lines...)}
	p.next += len(lines)
	return c
}

// CRDedupePolicy appends console lines, collapsing carriage-return
// rewrites such as progress bars.
//
// Input lines look like "[ERROR ]<timestamp> <text>". A segment starting
// with '\r' replaces the most recent line of the same stream, in this
// batch or in the previous chunk, which is then resent from its offset.
type CRDedupePolicy struct {
	next int
	prev *Chunk
}

// NewCRDedupePolicy starts appending at offset.
func NewCRDedupePolicy(offset int) *CRDedupePolicy {
	return &CRDedupePolicy{next: offset}
}

const errorMarker = "ERROR "

// splitPrefix separates the "[ERROR ]<timestamp> " prefix from the text.
func splitPrefix(line string) (prefix, rest string, isErr bool) {
	if strings.HasPrefix(line, errorMarker) {
		isErr = true
		prefix = errorMarker
		line = line[len(errorMarker):]
	}
	token, rest, ok := strings.Cut(line, " ")
	if !ok {
		return prefix, line, isErr
	}
	return prefix + token + " ", rest, isErr
}

// replaceLast overwrites the most recent line of the same stream.
func replaceLast(lines []string, isErr bool, value string) bool {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], errorMarker) == isErr {
			lines[i] = value
			return true
		}
	}
	return false
}

// Process collapses carriage returns and returns the chunk to send.
func (p *CRDedupePolicy) Process(lines []string) Chunk {
	out := []string{}
	offset := p.next
	canRewritePrev := p.prev != nil

	for _, line := range lines {
		prefix, rest, isErr := splitPrefix(line)
		for _, seg := range strings.Split(rest, "\n") {
			rewrite := strings.HasPrefix(seg, "\r")
			if i := strings.LastIndex(seg, "\r"); i >= 0 {
				seg = seg[i+1:]
			}
			if seg == "" && !rewrite {
				continue
			}
			value := prefix + seg + "\n"
			if !rewrite || replaceLast(out, isErr, value) {
				if !rewrite {
					out = append(out, value)
				}
				continue
			}
			if canRewritePrev {
				canRewritePrev = false
				prev := append([]string(nil), p.prev.Content...)
				if replaceLast(prev, isErr, value) {
					offset = p.prev.Offset
					out = append(prev, out...)
					continue
				}
			}
			out = append(out, value)
		}
	}

	c := Chunk{Offset: offset, Content: out}
	p.next = offset + len(out)
	if len(out) > 0 {
		p.prev = &Chunk{Offset: c.Offset, Content: append([]string(nil), out...)}
	}
	return c
}
