package pop3

import (
	"testing"
)

func TestParserSingleCommand(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantVerb string
		wantArgs []string
	}{
		{
			name:     "bare command",
			input:    "STAT\r\n",
			wantVerb: "STAT",
		},
		{
			name:     "command with argument",
			input:    "RETR 3\r\n",
			wantVerb: "RETR",
			wantArgs: []string{"3"},
		},
		{
			name:     "lowercase verb uppercased",
			input:    "uidl 2\r\n",
			wantVerb: "UIDL",
			wantArgs: []string{"2"},
		},
		{
			name:     "extra whitespace collapsed",
			input:    "  TOP   1   10  \r\n",
			wantVerb: "TOP",
			wantArgs: []string{"1", "10"},
		},
		{
			name:     "bare LF accepted",
			input:    "NOOP\n",
			wantVerb: "NOOP",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(0)
			p.Feed([]byte(tt.input))
			cmd, perr := p.Next()
			if perr != nil {
				t.Fatalf("Next() error = %v", perr)
			}
			if cmd == nil {
				t.Fatal("Next() returned no command")
			}
			if cmd.Verb != tt.wantVerb {
				t.Errorf("Verb = %q, want %q", cmd.Verb, tt.wantVerb)
			}
			if len(cmd.Args) != len(tt.wantArgs) {
				t.Fatalf("Args = %v, want %v", cmd.Args, tt.wantArgs)
			}
			for i := range tt.wantArgs {
				if cmd.Args[i] != tt.wantArgs[i] {
					t.Errorf("Args[%d] = %q, want %q", i, cmd.Args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestParserPipelining(t *testing.T) {
	p := NewParser(0)
	p.Feed([]byte("STAT\r\nLIST\r\nUIDL 1\r\n"))

	wantVerbs := []string{"STAT", "LIST", "UIDL"}
	for _, want := range wantVerbs {
		cmd, perr := p.Next()
		if perr != nil {
			t.Fatalf("Next() error = %v", perr)
		}
		if cmd == nil {
			t.Fatalf("Next() returned no command, want %s", want)
		}
		if cmd.Verb != want {
			t.Errorf("Verb = %q, want %q", cmd.Verb, want)
		}
	}

	cmd, perr := p.Next()
	if cmd != nil || perr != nil {
		t.Errorf("Next() after drain = (%v, %v), want (nil, nil)", cmd, perr)
	}
	if p.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", p.Buffered())
	}
}

func TestParserPartialFeeds(t *testing.T) {
	p := NewParser(0)

	// Byte-at-a-time input must parse identically to a single write.
	for _, b := range []byte("DELE 42\r") {
		p.Feed([]byte{b})
		cmd, perr := p.Next()
		if cmd != nil || perr != nil {
			t.Fatalf("Next() mid-line = (%v, %v), want (nil, nil)", cmd, perr)
		}
	}
	p.Feed([]byte{'\n'})

	cmd, perr := p.Next()
	if perr != nil {
		t.Fatalf("Next() error = %v", perr)
	}
	if cmd == nil || cmd.Verb != "DELE" || len(cmd.Args) != 1 || cmd.Args[0] != "42" {
		t.Errorf("got %+v, want DELE 42", cmd)
	}
}

func TestParserBlankLinesSkipped(t *testing.T) {
	p := NewParser(0)
	p.Feed([]byte("\r\n\r\nNOOP\r\n"))
	cmd, perr := p.Next()
	if perr != nil {
		t.Fatalf("Next() error = %v", perr)
	}
	if cmd == nil || cmd.Verb != "NOOP" {
		t.Errorf("got %+v, want NOOP", cmd)
	}
}

func TestParserInvalidVerb(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "AB\r\n"},
		{"too long", "ABCDEFGHIJKLM\r\n"},
		{"non-alphanumeric", "ST@T\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(0)
			p.Feed([]byte(tt.input))
			cmd, perr := p.Next()
			if perr == nil {
				t.Fatalf("Next() = %+v, want invalid command error", cmd)
			}
			if perr.Kind != KindInvalidCommand {
				t.Errorf("Kind = %v, want KindInvalidCommand", perr.Kind)
			}
		})
	}
}

func TestParserLineTooLong(t *testing.T) {
	p := NewParser(16)

	long := make([]byte, 64)
	for i := range long {
		long[i] = 'A'
	}
	p.Feed(long)

	// The oversized line is discarded incrementally; no error until the
	// line actually ends.
	cmd, perr := p.Next()
	if cmd != nil || perr != nil {
		t.Fatalf("Next() mid-overflow = (%v, %v), want (nil, nil)", cmd, perr)
	}

	p.Feed([]byte("\r\nNOOP\r\n"))
	cmd, perr = p.Next()
	if perr == nil {
		t.Fatalf("Next() = %+v, want protocol violation", cmd)
	}
	if perr.Kind != KindProtocolViolation {
		t.Errorf("Kind = %v, want KindProtocolViolation", perr.Kind)
	}

	// Parsing resumes cleanly on the next line.
	cmd, perr = p.Next()
	if perr != nil {
		t.Fatalf("Next() after overflow error = %v", perr)
	}
	if cmd == nil || cmd.Verb != "NOOP" {
		t.Errorf("got %+v, want NOOP after recovery", cmd)
	}
}

func TestParserContinuation(t *testing.T) {
	p := NewParser(0)
	p.BeginContinuation()
	p.Feed([]byte("dGVzdA==\r\n"))

	cmd, perr := p.Next()
	if perr != nil {
		t.Fatalf("Next() error = %v", perr)
	}
	if cmd == nil || !cmd.Continuation {
		t.Fatalf("got %+v, want continuation", cmd)
	}
	if cmd.Blob != "dGVzdA==" {
		t.Errorf("Blob = %q, want %q", cmd.Blob, "dGVzdA==")
	}

	p.EndContinuation()
	p.Feed([]byte("QUIT\r\n"))
	cmd, perr = p.Next()
	if perr != nil {
		t.Fatalf("Next() error = %v", perr)
	}
	if cmd == nil || cmd.Verb != "QUIT" || cmd.Continuation {
		t.Errorf("got %+v, want QUIT command", cmd)
	}
}

func TestParserContinuationPreservesCase(t *testing.T) {
	// Base64 is case-sensitive; continuation lines must pass through
	// untouched apart from the CRLF.
	p := NewParser(0)
	p.BeginContinuation()
	p.Feed([]byte("AHVzZXIAcGFzcw==\r\n"))
	cmd, perr := p.Next()
	if perr != nil || cmd == nil {
		t.Fatalf("Next() = (%v, %v)", cmd, perr)
	}
	if cmd.Blob != "AHVzZXIAcGFzcw==" {
		t.Errorf("Blob = %q, case was not preserved", cmd.Blob)
	}
}
