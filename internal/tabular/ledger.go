package tabular

import (
	"errors"
	"fmt"
	"io"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// EncodeLedger writes entries as (user_id, contacted_at) rows.
func EncodeLedger(entries []models.LedgerEntry) ([]byte, error) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.UserID, FormatTimestamp(e.ContactedAt)})
	}
	return writeAll(LedgerHeader, rows)
}

// DecodeLedger reads a ledger object. Both the current layout and the older
// (user_names, user_ids, date_time_messaged) export are accepted. An empty
// object decodes to no entries.
func DecodeLedger(data []byte) ([]models.LedgerEntry, error) {
	r := newReader(data)
	h, err := readHeader(r)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	userCol, err := h.require("user_id", "user_ids")
	if err != nil {
		return nil, err
	}
	atCol, err := h.require("contacted_at", "date_time_messaged")
	if err != nil {
		return nil, err
	}

	var entries []models.LedgerEntry
	line := 1
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", line, err)
		}
		id := normalizeID(field(row, userCol))
		if id == "" {
			continue
		}
		at, err := ParseTimestamp(field(row, atCol))
		if err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", line, err)
		}
		entries = append(entries, models.LedgerEntry{UserID: id, ContactedAt: at})
	}
	return entries, nil
}
