package instance

import "strings"

// LineBuffer keeps the most recent complete lines of an output stream plus
// the trailing partial line. Carriage returns from terminal output are
// dropped.
type LineBuffer struct {
	lines   []string
	start   int
	count   int
	partial strings.Builder
}

// NewLineBuffer creates a buffer holding at most capacity lines
func NewLineBuffer(capacity int) *LineBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LineBuffer{lines: make([]string, capacity)}
}

// Write appends a raw chunk
func (b *LineBuffer) Write(chunk string) {
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			b.partial.WriteString(strings.ReplaceAll(chunk, "\r", ""))
			return
		}
		b.partial.WriteString(strings.ReplaceAll(chunk[:i], "\r", ""))
		b.push(b.partial.String())
		b.partial.Reset()
		chunk = chunk[i+1:]
	}
}

func (b *LineBuffer) push(line string) {
	capacity := len(b.lines)
	if b.count < capacity {
		b.lines[(b.start+b.count)%capacity] = line
		b.count++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % capacity
}

// Tail returns up to n of the most recent lines, oldest first. A non-empty
// partial line counts as the newest line.
func (b *LineBuffer) Tail(n int) []string {
	all := make([]string, 0, b.count+1)
	for i := 0; i < b.count; i++ {
		all = append(all, b.lines[(b.start+i)%len(b.lines)])
	}
	if b.partial.Len() > 0 {
		all = append(all, b.partial.String())
	}
	if n >= 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Len returns the number of complete lines held
func (b *LineBuffer) Len() int {
	return b.count
}
