// Package tabular encodes and decodes the flat CSV records OutreachPipe
// exchanges with the blob store: the classified-post batch, the ledger, the
// per-run audit log, the selected-candidate export and the collected replies.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Column headers, in the order they are written.
var (
	LedgerHeader    = []string{"user_id", "contacted_at"}
	AuditHeader     = []string{"user_id", "status", "detail", "timestamp"}
	CandidateHeader = []string{"user_id", "post_id", "author_handle", "permalink", "created_at", "score"}
	ReplyHeader     = []string{"sender_id", "message", "sent_at", "convo_id", "message_id"}
)

// ErrMissingColumn is returned when a required column is absent from a header.
var ErrMissingColumn = errors.New("required column missing")

// TimestampLayout is the layout used for every timestamp this package writes.
const TimestampLayout = time.RFC3339

// readLayouts are accepted when parsing timestamps, in order.
var readLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"Mon Jan 02 15:04:05 -0700 2006",
}

// ParseTimestamp parses the timestamp spellings found in classifier and ledger
// exports. Values without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range readLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTimestamp renders t in TimestampLayout, in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// newReader returns a CSV reader that strips a leading UTF-8 BOM and tolerates
// rows with a varying number of fields.
func newReader(data []byte) *csv.Reader {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r
}

// header maps normalized column names to their index.
type header map[string]int

func readHeader(r *csv.Reader) (header, error) {
	cols, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := make(header, len(cols))
	for i, c := range cols {
		h[strings.ToLower(strings.TrimSpace(c))] = i
	}
	return h, nil
}

// index returns the position of the first alias present in the header.
func (h header) index(aliases ...string) (int, bool) {
	for _, a := range aliases {
		if i, ok := h[a]; ok {
			return i, true
		}
	}
	return -1, false
}

func (h header) require(aliases ...string) (int, error) {
	i, ok := h.index(aliases...)
	if !ok {
		return -1, fmt.Errorf("%w: one of %v", ErrMissingColumn, aliases)
	}
	return i, nil
}

// field returns row[i] trimmed, or "" when the row is short or i < 0.
func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func writeAll(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
