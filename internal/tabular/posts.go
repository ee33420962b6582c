package tabular

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// DefaultPermalinkFormat builds a Bluesky web link from (author_handle, post_id)
// when the batch does not carry one. post_id is the record key of the post.
const DefaultPermalinkFormat = "https://bsky.app/profile/%s/post/%s"

// Column aliases accepted in classified-post batches. Exports from different
// stages of the collection pipeline name the same field differently.
var (
	userIDAliases    = []string{"user_id"}
	postIDAliases    = []string{"post_id", "tweet_id", "status_id"}
	handleAliases    = []string{"author_handle", "user_screen_name", "screen_name"}
	textAliases      = []string{"text", "tweet_text"}
	permalinkAliases = []string{"permalink", "tweet_link"}
	createdAtAliases = []string{"created_at"}
	scoreAliases     = []string{"score", "gru_prob"}
)

// PostDecodeStats counts what happened to each data row of a batch.
type PostDecodeStats struct {
	Rows     int
	Accepted int
	Skipped  int
	Unscored int
}

// DecodePosts reads a classified-post batch. Rows that cannot be parsed are
// skipped and counted; a batch without the required columns is an error.
// permalinkFormat may be empty to use DefaultPermalinkFormat.
func DecodePosts(data []byte, permalinkFormat string) ([]models.ClassifiedPost, PostDecodeStats, error) {
	var stats PostDecodeStats
	if permalinkFormat == "" {
		permalinkFormat = DefaultPermalinkFormat
	}

	r := newReader(data)
	h, err := readHeader(r)
	if errors.Is(err, io.EOF) {
		return nil, stats, nil
	}
	if err != nil {
		return nil, stats, err
	}

	userCol, err := h.require(userIDAliases...)
	if err != nil {
		return nil, stats, err
	}
	postCol, err := h.require(postIDAliases...)
	if err != nil {
		return nil, stats, err
	}
	createdCol, err := h.require(createdAtAliases...)
	if err != nil {
		return nil, stats, err
	}
	handleCol, _ := h.index(handleAliases...)
	textCol, _ := h.index(textAliases...)
	linkCol, _ := h.index(permalinkAliases...)
	scoreCol, _ := h.index(scoreAliases...)

	var posts []models.ClassifiedPost
	line := 1
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, stats, fmt.Errorf("posts line %d: %w", line, err)
		}
		stats.Rows++

		p, err := decodePostRow(row, userCol, postCol, handleCol, textCol, linkCol, createdCol, scoreCol, permalinkFormat)
		if err != nil {
			stats.Skipped++
			slog.Warn("tabular.DecodePosts: skipping row", "line", line, "error", err)
			continue
		}
		if !p.Scored() {
			stats.Unscored++
		}
		stats.Accepted++
		posts = append(posts, p)
	}
	return posts, stats, nil
}

func decodePostRow(row []string, userCol, postCol, handleCol, textCol, linkCol, createdCol, scoreCol int, permalinkFormat string) (models.ClassifiedPost, error) {
	p := models.ClassifiedPost{
		UserID:       normalizeID(field(row, userCol)),
		PostID:       normalizeID(field(row, postCol)),
		AuthorHandle: field(row, handleCol),
		Text:         rawField(row, textCol),
		Permalink:    field(row, linkCol),
	}

	created, err := ParseTimestamp(field(row, createdCol))
	if err != nil {
		return p, err
	}
	p.CreatedAt = created

	if s := field(row, scoreCol); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return p, fmt.Errorf("invalid score %q: %w", s, err)
		}
		p.Score = &v
	}

	if err := p.Validate(); err != nil {
		return p, err
	}
	if p.Permalink == "" && p.AuthorHandle != "" {
		p.Permalink = fmt.Sprintf(permalinkFormat, p.AuthorHandle, p.PostID)
	}
	return p, nil
}

// rawField is field without trimming; post text keeps its own whitespace.
func rawField(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// normalizeID strips the 'x' guard some exports wrap numeric ids in to keep
// spreadsheet tools from mangling them. Non-numeric ids are left alone.
func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	stripped := strings.Trim(id, "x")
	if stripped == "" {
		return id
	}
	for _, r := range stripped {
		if r < '0' || r > '9' {
			return id
		}
	}
	return stripped
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
