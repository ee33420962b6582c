package tabular

import (
	"errors"
	"fmt"
	"io"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// EncodeAudit writes outcomes as (user_id, status, detail, timestamp) rows in
// the order given.
func EncodeAudit(outcomes []models.DispatchOutcome) ([]byte, error) {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		rows = append(rows, []string{o.UserID, string(o.Status), o.Detail, FormatTimestamp(o.Timestamp)})
	}
	return writeAll(AuditHeader, rows)
}

// DecodeAudit reads an audit log written by EncodeAudit.
func DecodeAudit(data []byte) ([]models.DispatchOutcome, error) {
	r := newReader(data)
	h, err := readHeader(r)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cols := make([]int, len(AuditHeader))
	for i, name := range AuditHeader {
		if cols[i], err = h.require(name); err != nil {
			return nil, err
		}
	}

	var out []models.DispatchOutcome
	line := 1
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("audit line %d: %w", line, err)
		}
		status := models.OutcomeStatus(field(row, cols[1]))
		if !models.IsValidOutcomeStatus(status) {
			return nil, fmt.Errorf("audit line %d: unknown status %q", line, status)
		}
		ts, err := ParseTimestamp(field(row, cols[3]))
		if err != nil {
			return nil, fmt.Errorf("audit line %d: %w", line, err)
		}
		out = append(out, models.DispatchOutcome{
			UserID:    field(row, cols[0]),
			Status:    status,
			Detail:    field(row, cols[2]),
			Timestamp: ts,
		})
	}
	return out, nil
}

// EncodeCandidates writes the candidates a run selected for outreach.
func EncodeCandidates(cands []models.Candidate) ([]byte, error) {
	rows := make([][]string, 0, len(cands))
	for _, c := range cands {
		rows = append(rows, []string{
			c.UserID, c.PostID, c.AuthorHandle, c.Permalink,
			FormatTimestamp(c.CreatedAt), formatScore(c.Score),
		})
	}
	return writeAll(CandidateHeader, rows)
}
