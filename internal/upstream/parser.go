// Package upstream speaks the Discovery Engine widget protocol: session
// creation, streaming assist calls, context-file upload, and generated-file
// download. Responses to streaming calls arrive as one JSON array whose
// elements are split arbitrarily across the wire; ArrayParser reassembles
// them incrementally.
package upstream

import "fmt"

// ArrayParser is an incremental splitter for a streamed JSON array of
// objects. Feed it raw chunks; it emits each complete top-level object as
// soon as its closing brace arrives. String literals are tracked so braces
// and brackets inside them never confuse the depth count.
type ArrayParser struct {
	started  bool
	depth    int
	inString bool
	escaped  bool
	buf      []byte
}

// Feed consumes one chunk and returns the raw bytes of every object
// completed by it, in stream order.
func (p *ArrayParser) Feed(chunk []byte) ([][]byte, error) {
	var out [][]byte
	for _, b := range chunk {
		if !p.started {
			switch b {
			case '[':
				p.started = true
			case ' ', '\t', '\r', '\n':
			default:
				return nil, fmt.Errorf("unexpected byte %q before array start", b)
			}
			continue
		}

		if p.depth == 0 {
			// Between elements: only separators, whitespace, and the
			// array terminator are legal here.
			switch b {
			case '{':
				p.depth = 1
				p.buf = append(p.buf[:0], b)
			case ',', ']', ' ', '\t', '\r', '\n':
			default:
				return nil, fmt.Errorf("unexpected byte %q between array elements", b)
			}
			continue
		}

		p.buf = append(p.buf, b)
		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case b == '\\':
				p.escaped = true
			case b == '"':
				p.inString = false
			}
			continue
		}
		switch b {
		case '"':
			p.inString = true
		case '{', '[':
			p.depth++
		case '}', ']':
			p.depth--
			if p.depth == 0 {
				obj := make([]byte, len(p.buf))
				copy(obj, p.buf)
				out = append(out, obj)
				p.buf = p.buf[:0]
			}
		}
	}
	return out, nil
}

// Pending reports whether an object is still open mid-stream.
func (p *ArrayParser) Pending() bool {
	return p.depth > 0
}
