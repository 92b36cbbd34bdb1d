package smtpprobe

import (
	"strconv"
	"strings"
)

// Framer assembles complete SMTP replies from fragmented reads. A reply is
// complete once a final line arrives: 4th char space (or a bare 3-digit
// line). A hyphen in the 4th position marks a continuation line.
type Framer struct {
	partial string
	lines   []string
}

// Feed appends raw bytes and returns any replies completed by them.
func (f *Framer) Feed(data []byte) []Reply {
	f.partial += string(data)

	var replies []Reply
	for {
		nl := strings.IndexByte(f.partial, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimRight(f.partial[:nl], "\r")
		f.partial = f.partial[nl+1:]

		if line == "" {
			continue
		}
		f.lines = append(f.lines, line)

		if isFinalLine(line) {
			replies = append(replies, assemble(f.lines))
			f.lines = nil
		}
	}
	return replies
}

// Pending reports whether a partially received reply is buffered.
func (f *Framer) Pending() bool {
	return len(f.lines) > 0 || f.partial != ""
}

func isFinalLine(line string) bool {
	if len(line) < 3 {
		return true
	}
	if len(line) == 3 {
		return true
	}
	return line[3] != '-'
}

func assemble(lines []string) Reply {
	code := 0
	first := lines[0]
	if len(first) >= 3 {
		if n, err := strconv.Atoi(first[:3]); err == nil {
			code = n
		}
	}

	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		if len(l) > 4 {
			parts = append(parts, l[4:])
		}
	}
	return Reply{Code: code, Message: strings.Join(parts, " ")}
}
