// Package framer converts an arbitrarily chunked byte stream into a
// sequence of complete top-level JSON value strings, so a caller can feed
// bytes as they arrive off a socket or pipe and be notified exactly once
// per complete value, regardless of how the underlying reads were chunked.
package framer

import (
	"bufio"
	"io"

	"github.com/makerforge/printerd/internal/event"
)

const feedFileChunk = 8 * 1024

// scanState is the four-state scanner from the framing algorithm: outside
// any structure, inside a structure, inside a string, and just after a
// backslash escape inside a string.
type scanState int

const (
	stateOutside scanState = iota
	stateInStructure
	stateInString
	stateEscape
)

// Framer scans a byte stream and fires Event once per complete top-level
// JSON value. Emitted strings are exactly the original bytes — not
// canonicalized — so a caller can re-parse with a strict JSON decoder and
// report parse errors against the original text.
type Framer struct {
	Event event.Event[string]

	state  scanState
	stack  []byte
	buffer []byte
}

// New returns a Framer ready to receive bytes via Feed.
func New() *Framer {
	return &Framer{}
}

// Feed buffers data and emits zero or more complete-value events.
func (f *Framer) Feed(data []byte) {
	for _, b := range data {
		f.buffer = append(f.buffer, b)
		f.transition(b)
	}
}

// FeedFile pulls bytes from r in 8 KiB chunks until EOF, then flushes any
// trailing value via FeedEOF.
func (f *Framer) FeedFile(r io.Reader) error {
	buf := make([]byte, feedFileChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			f.Feed(buf[:n])
		}
		if err == io.EOF {
			f.FeedEOF()
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			f.FeedEOF()
			return nil
		}
	}
}

// FeedEOF flushes any value currently buffered, for streams that end
// without a final whitespace or structural character.
func (f *Framer) FeedEOF() {
	f.emit()
}

func (f *Framer) transition(b byte) {
	switch f.state {
	case stateOutside:
		switch b {
		case '{', '[':
			f.state = stateInStructure
			f.stack = append(f.stack, b)
		case ' ', '\t', '\n', '\r':
			// stay; whitespace-only buffers are never emitted
		default:
			// invalid top-level byte: emit immediately so the endpoint's
			// strict JSON parse reports the error (e.g. feeding "]" alone
			// emits "]").
			f.emit()
		}
	case stateInStructure:
		switch b {
		case '"':
			f.state = stateInString
		case '{', '[':
			f.stack = append(f.stack, b)
		case '}', ']':
			send := false
			if len(f.stack) == 0 {
				send = true
			} else {
				open := f.stack[len(f.stack)-1]
				f.stack = f.stack[:len(f.stack)-1]
				mismatched := (open == '{' && b != '}') || (open == '[' && b != ']')
				if mismatched {
					send = true
				} else {
					send = len(f.stack) == 0
				}
			}
			if send {
				f.emit()
			}
		}
	case stateInString:
		switch b {
		case '"':
			f.state = stateInStructure
		case '\\':
			f.state = stateEscape
		}
	case stateEscape:
		f.state = stateInString
	}
}

func (f *Framer) emit() {
	data := f.buffer
	f.reset()
	if len(trimWhitespace(data)) != 0 {
		f.Event.Fire(string(data))
	}
}

func (f *Framer) reset() {
	f.state = stateOutside
	f.stack = nil
	f.buffer = nil
}

func trimWhitespace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// SplitJSONValue is a bufio.SplitFunc rendering of the same algorithm, for
// callers that prefer driving a bufio.Scanner directly over a Framer's
// Feed/Event interface (e.g. one-shot parsing of a fully buffered stream).
// It is not used by Endpoint, which needs the incremental Feed API to
// handle arbitrary chunking, but is exposed because it's a natural,
// idiomatic entry point for the same scanner.
func SplitJSONValue(data []byte, atEOF bool) (advance int, token []byte, err error) {
	state := stateOutside
	var stack []byte
	for i := 0; i < len(data); i++ {
		b := data[i]
		switch state {
		case stateOutside:
			switch b {
			case '{', '[':
				state = stateInStructure
				stack = append(stack, b)
			case ' ', '\t', '\n', '\r':
			default:
				return i + 1, data[:i+1], nil
			}
		case stateInStructure:
			switch b {
			case '"':
				state = stateInString
			case '{', '[':
				stack = append(stack, b)
			case '}', ']':
				send := false
				if len(stack) == 0 {
					send = true
				} else {
					open := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					mismatched := (open == '{' && b != '}') || (open == '[' && b != ']')
					if mismatched {
						send = true
					} else {
						send = len(stack) == 0
					}
				}
				if send {
					return i + 1, data[:i+1], nil
				}
			}
		case stateInString:
			switch b {
			case '"':
				state = stateInStructure
			case '\\':
				state = stateEscape
			}
		case stateEscape:
			state = stateInString
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, bufio.ErrFinalToken
	}
	return 0, nil, nil
}
