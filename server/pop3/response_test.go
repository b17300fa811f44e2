package pop3

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func renderMessage(t *testing.T, data string, maxBodyLines int) string {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeMessageData(w, "message follows", []byte(data), maxBodyLines); err != nil {
		t.Fatalf("writeMessageData() = %v", err)
	}
	return buf.String()
}

func TestWriteMessageDataFullMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain message",
			input: "Subject: hi\r\n\r\nbody\r\n",
			want:  "Subject: hi\r\n\r\nbody\r\n.\r\n",
		},
		{
			name:  "LF-only input normalized to CRLF",
			input: "Subject: hi\n\nbody\n",
			want:  "Subject: hi\r\n\r\nbody\r\n.\r\n",
		},
		{
			name:  "leading dot stuffed",
			input: "Subject: hi\r\n\r\n.hidden\r\n..already\r\n",
			want:  "Subject: hi\r\n\r\n..hidden\r\n...already\r\n.\r\n",
		},
		{
			name:  "lone dot line stuffed",
			input: "Subject: hi\r\n\r\n.\r\n",
			want:  "Subject: hi\r\n\r\n..\r\n.\r\n",
		},
		{
			name:  "dot mid-line untouched",
			input: "Subject: hi\r\n\r\na . b\r\n",
			want:  "Subject: hi\r\n\r\na . b\r\n.\r\n",
		},
		{
			name:  "empty message",
			input: "",
			want:  ".\r\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderMessage(t, tt.input, -1)
			want := "+OK message follows\r\n" + tt.want
			if got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
}

func TestWriteMessageDataTopTruncation(t *testing.T) {
	msg := "From: a@example.com\r\nSubject: hi\r\n\r\nline1\r\nline2\r\nline3\r\n"

	tests := []struct {
		name         string
		maxBodyLines int
		want         string
	}{
		{
			name:         "headers only",
			maxBodyLines: 0,
			want:         "From: a@example.com\r\nSubject: hi\r\n\r\n.\r\n",
		},
		{
			name:         "first body line",
			maxBodyLines: 1,
			want:         "From: a@example.com\r\nSubject: hi\r\n\r\nline1\r\n.\r\n",
		},
		{
			name:         "two body lines",
			maxBodyLines: 2,
			want:         "From: a@example.com\r\nSubject: hi\r\n\r\nline1\r\nline2\r\n.\r\n",
		},
		{
			name:         "count past the end sends everything",
			maxBodyLines: 100,
			want:         "From: a@example.com\r\nSubject: hi\r\n\r\nline1\r\nline2\r\nline3\r\n.\r\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderMessage(t, msg, tt.maxBodyLines)
			want := "+OK message follows\r\n" + tt.want
			if got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
}

func TestWriteMessageDataAlwaysTerminated(t *testing.T) {
	inputs := []string{
		"",
		"no trailing newline",
		"Subject: x\r\n\r\nbody without newline",
		".",
	}
	for _, input := range inputs {
		got := renderMessage(t, input, -1)
		if !strings.HasSuffix(got, "\r\n.\r\n") {
			t.Errorf("output for %q not terminated: %q", input, got)
		}
	}
}

func TestWriteListing(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeListing(w, "2 messages (3072 octets)", []string{"1 1024", "2 2048"}); err != nil {
		t.Fatalf("writeListing() = %v", err)
	}
	want := "+OK 2 messages (3072 octets)\r\n1 1024\r\n2 2048\r\n.\r\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestWriteOK(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeOK(w, "%d %d", 3, 7168); err != nil {
		t.Fatalf("writeOK() = %v", err)
	}
	if buf.String() != "+OK 3 7168\r\n" {
		t.Errorf("got %q, want %q", buf.String(), "+OK 3 7168\r\n")
	}
}
