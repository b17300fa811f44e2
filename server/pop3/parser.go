package pop3

import (
	"bytes"
	"strings"
)

// Command is a single parsed client line. During a SASL exchange the parser
// runs in continuation mode and yields the raw base64 blob instead of a
// verb/argument split.
type Command struct {
	Verb string
	Args []string

	// Continuation is set when the line is a SASL continuation blob; Verb
	// and Args are empty in that case and Blob carries the raw line.
	Continuation bool
	Blob         string
}

// Parser is an incremental POP3 command tokenizer. Bytes are fed in as they
// arrive from the socket; complete CRLF-terminated lines come out as
// commands. Partial lines stay buffered, so pipelined input parses into the
// exact same command sequence as byte-at-a-time input.
type Parser struct {
	buf           bytes.Buffer
	maxLineLength int

	continuation bool
	// overflowing is set once the current line exceeds maxLineLength; the
	// rest of the line is discarded rather than buffered.
	overflowing bool
}

// DefaultMaxLineLength bounds a single command line. RFC 2449 recommends
// 255 octets; the margin covers long SASL initial responses.
const DefaultMaxLineLength = 8192

func NewParser(maxLineLength int) *Parser {
	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}
	return &Parser{maxLineLength: maxLineLength}
}

// BeginContinuation switches the parser so the next complete line is
// returned as a SASL continuation blob.
func (p *Parser) BeginContinuation() { p.continuation = true }

// EndContinuation returns the parser to ordinary command parsing.
func (p *Parser) EndContinuation() { p.continuation = false }

// InContinuation reports whether a SASL exchange is in flight.
func (p *Parser) InContinuation() bool { return p.continuation }

// Feed appends raw bytes from the socket to the parse buffer.
func (p *Parser) Feed(data []byte) {
	p.buf.Write(data)
}

// Next returns the next complete command, or (nil, nil) when more bytes are
// needed. A line longer than the configured maximum yields a
// ProtocolViolation once the offending line has been fully discarded.
func (p *Parser) Next() (*Command, *Error) {
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')

		if p.overflowing {
			if idx < 0 {
				// Still inside the oversized line; drop what we have.
				p.buf.Reset()
				return nil, nil
			}
			p.buf.Next(idx + 1)
			p.overflowing = false
			return nil, newError(KindProtocolViolation, "Command line too long")
		}

		if idx < 0 {
			if p.buf.Len() > p.maxLineLength {
				p.buf.Reset()
				p.overflowing = true
			}
			return nil, nil
		}
		if idx > p.maxLineLength {
			p.buf.Next(idx + 1)
			return nil, newError(KindProtocolViolation, "Command line too long")
		}

		line := string(data[:idx])
		p.buf.Next(idx + 1)
		line = strings.TrimRight(line, "\r")

		if p.continuation {
			return &Command{Continuation: true, Blob: line}, nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			// Bare CRLF between pipelined commands; skip it.
			continue
		}

		parts := strings.Fields(line)
		verb := strings.ToUpper(parts[0])
		if !isValidVerb(verb) {
			return nil, newError(KindInvalidCommand, "Invalid command")
		}
		return &Command{Verb: verb, Args: parts[1:]}, nil
	}
}

// Buffered reports how many bytes are waiting to be parsed. Used to drain
// pipelined commands before issuing the next socket read.
func (p *Parser) Buffered() int { return p.buf.Len() }

func isValidVerb(verb string) bool {
	if len(verb) < 3 || len(verb) > 12 {
		return false
	}
	for i := 0; i < len(verb); i++ {
		c := verb[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
