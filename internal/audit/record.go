package audit

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// TimeLayout is ISO-8601 in UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Backslash, CR and LF are escaped so every record stays on one line.
var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\r`, "\r", `\n`, "\n")
)

// FormatLine renders e as one record line without the trailing newline.
// Details is always quoted; the other columns only when they need it.
func FormatLine(e Entry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.UTC().Format(TimeLayout))
	b.WriteByte(',')
	b.WriteString(field(e.Action, false))
	b.WriteByte(',')
	b.WriteString(field(e.SubjectID, false))
	b.WriteByte(',')
	b.WriteString(field(string(e.Status), false))
	b.WriteByte(',')
	b.WriteString(field(e.Details, true))
	return b.String()
}

// ConsoleLine renders the human-readable form of e.
func ConsoleLine(e Entry) string {
	return fmt.Sprintf("[%s] %s - Job: %s - Status: %s - %s",
		e.Timestamp.UTC().Format(TimeLayout), e.Action, e.SubjectID, e.Status, e.Details)
}

func field(s string, alwaysQuote bool) string {
	s = escaper.Replace(s)
	if !alwaysQuote && !strings.ContainsAny(s, `,"`) {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ParseLine reads one record line back into an Entry, reversing the escaping
// done by FormatLine.
func ParseLine(line string) (Entry, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = 5
	rec, err := r.Read()
	if err != nil {
		return Entry{}, fmt.Errorf("audit: parse line: %w", err)
	}
	ts, err := time.Parse(TimeLayout, rec[0])
	if err != nil {
		return Entry{}, fmt.Errorf("audit: parse timestamp %q: %w", rec[0], err)
	}
	return Entry{
		Timestamp: ts,
		Action:    unescaper.Replace(rec[1]),
		SubjectID: unescaper.Replace(rec[2]),
		Status:    Status(unescaper.Replace(rec[3])),
		Details:   unescaper.Replace(rec[4]),
	}, nil
}

// Tail returns the last n entries of the record store, oldest first.
func Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tail(f, n)
}

func tail(r io.Reader, n int) ([]Entry, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if line == Header {
				continue
			}
		}
		lines = append(lines, line)
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		e, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
