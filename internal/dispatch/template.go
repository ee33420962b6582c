package dispatch

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Substitution markers recognised in the operator's message template.
const (
	// MarkerExcerpt is replaced by the post date, a blank line and the post text.
	MarkerExcerpt = "[time]"
	// MarkerLink is replaced by the post permalink.
	MarkerLink = "[link to tweet]"
)

// PostDateLayout renders the post date in the excerpt, e.g. "Friday, April 3, 2020".
const PostDateLayout = "Monday, January 2, 2006"

// ErrEmptyTemplate is returned for a blank message template.
var ErrEmptyTemplate = errors.New("message template is empty")

// Template is the operator-supplied outreach message.
type Template struct {
	text string
}

// ParseTemplate validates an operator template. Missing markers are allowed
// but logged, since the message then carries no reference to the post.
func ParseTemplate(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyTemplate
	}
	for _, m := range []string{MarkerExcerpt, MarkerLink} {
		if !strings.Contains(text, m) {
			slog.Warn("ParseTemplate: marker not found in message template", "marker", m)
		}
	}
	return &Template{text: text}, nil
}

// Render resolves both markers for a candidate.
func (t *Template) Render(c models.Candidate) string {
	excerpt := FormatPostDate(c.CreatedAt) + "\n\n" + c.Text
	r := strings.NewReplacer(MarkerExcerpt, excerpt, MarkerLink, c.Permalink)
	return r.Replace(t.text)
}

// FormatPostDate renders t with PostDateLayout in UTC.
func FormatPostDate(t time.Time) string {
	return t.UTC().Format(PostDateLayout)
}
