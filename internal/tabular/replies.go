package tabular

import (
	"errors"
	"fmt"
	"io"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// EncodeReplies writes collected replies as ReplyHeader rows in the order given.
func EncodeReplies(msgs []models.DirectMessage) ([]byte, error) {
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, []string{m.SenderID, m.Text, FormatTimestamp(m.SentAt), m.ConvoID, m.MessageID})
	}
	return writeAll(ReplyHeader, rows)
}

// DecodeReplies reads a replies export. Only sender_id and message are
// required, so the older two-column layout loads too.
func DecodeReplies(data []byte) ([]models.DirectMessage, error) {
	r := newReader(data)
	h, err := readHeader(r)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	senderCol, err := h.require("sender_id")
	if err != nil {
		return nil, err
	}
	textCol, err := h.require("message")
	if err != nil {
		return nil, err
	}
	sentCol, _ := h.index("sent_at")
	convoCol, _ := h.index("convo_id")
	msgCol, _ := h.index("message_id")

	var out []models.DirectMessage
	line := 1
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("replies line %d: %w", line, err)
		}
		m := models.DirectMessage{
			SenderID:  normalizeID(field(row, senderCol)),
			Text:      rawField(row, textCol),
			ConvoID:   field(row, convoCol),
			MessageID: field(row, msgCol),
		}
		if s := field(row, sentCol); s != "" {
			if m.SentAt, err = ParseTimestamp(s); err != nil {
				return nil, fmt.Errorf("replies line %d: %w", line, err)
			}
		}
		out = append(out, m)
	}
	return out, nil
}
