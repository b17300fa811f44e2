package pop3

import (
	"bufio"
	"bytes"
	"fmt"
)

// Response serialization. Three shapes exist on the wire: single status
// lines, multi-line listings, and raw message payloads. Multi-line bodies
// are terminated by a lone "." line; payload lines starting with "." are
// byte-stuffed per RFC 1939 §3.

func writeOK(w *bufio.Writer, format string, args ...any) error {
	if _, err := fmt.Fprintf(w, "+OK "+format+"\r\n", args...); err != nil {
		return err
	}
	return w.Flush()
}

func writeErr(w *bufio.Writer, e *Error) error {
	if _, err := w.WriteString(e.Wire() + "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeRawLine(w *bufio.Writer, line string) error {
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// writeListing writes a +OK status line followed by body lines and the
// terminating dot. Listing lines are generated server-side and never start
// with a dot, so no stuffing is needed here.
func writeListing(w *bufio.Writer, status string, lines []string) error {
	if _, err := w.WriteString("+OK " + status + "\r\n"); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := w.WriteString(line + "\r\n"); err != nil {
			return err
		}
	}
	if _, err := w.WriteString(".\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// writeMessageData streams message bytes after a +OK line, applying CRLF
// normalization, dot-stuffing and the terminating dot. maxBodyLines < 0
// sends the whole message; otherwise the headers are sent in full and the
// body is truncated to that many lines (TOP semantics).
func writeMessageData(w *bufio.Writer, status string, data []byte, maxBodyLines int) error {
	if _, err := w.WriteString("+OK " + status + "\r\n"); err != nil {
		return err
	}

	inHeaders := true
	bodyLines := 0

	for len(data) > 0 {
		var line []byte
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			line = data[:idx]
			data = data[idx+1:]
		} else {
			line = data
			data = nil
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if inHeaders {
			if len(line) == 0 {
				inHeaders = false
				if maxBodyLines == 0 {
					// TOP n 0 ends at the header/body separator.
					if _, err := w.WriteString("\r\n"); err != nil {
						return err
					}
					break
				}
			}
		} else {
			if maxBodyLines >= 0 {
				if bodyLines >= maxBodyLines {
					break
				}
				bodyLines++
			}
		}

		if len(line) > 0 && line[0] == '.' {
			if err := w.WriteByte('.'); err != nil {
				return err
			}
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}

	if _, err := w.WriteString(".\r\n"); err != nil {
		return err
	}
	return w.Flush()
}
