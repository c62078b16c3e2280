package article

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RawArticle is an article as returned by the help-center API.
type RawArticle struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	Locale    string    `json:"locale"`
	Draft     bool      `json:"draft"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Article is the normalized form the sync engine compares and uploads.
type Article struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Body         string    `json:"body"`
	LastModified time.Time `json:"last_modified,omitempty"`
	Fingerprint  string    `json:"fingerprint"`
}

type NormalizationError struct {
	SourceID int64
	// ArticleID is the stable id when one could be derived.
	ArticleID string
	Title     string
	Reason    string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize article %q: %s", e.Title, e.Reason)
}

// Fingerprint hashes the fields that define an article's content. The
// modification time is excluded because the help center bumps it on
// metadata-only edits.
func Fingerprint(title, url, body string) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// Document renders the markdown file uploaded to the document store.
func (a Article) Document() []byte {
	var sb strings.Builder
	sb.WriteString("# ")
	sb.WriteString(a.Title)
	sb.WriteString("\n\n")
	if a.URL != "" {
		sb.WriteString("**Article URL:** ")
		sb.WriteString(a.URL)
		sb.WriteString("\n\n")
	}
	if !a.LastModified.IsZero() {
		sb.WriteString("**Last Updated:** ")
		sb.WriteString(a.LastModified.UTC().Format(time.RFC3339))
		sb.WriteString("\n\n")
	}
	sb.WriteString(a.Body)
	sb.WriteString("\n")
	return []byte(sb.String())
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Filename is the name the document is uploaded under, e.g.
// "how-to-add-a-youtube-video-360051234.md".
func (a Article) Filename() string {
	slug := strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(a.Title), "-"), "-")
	if len(slug) > 60 {
		slug = strings.TrimRight(slug[:60], "-")
	}
	if slug == "" {
		return fmt.Sprintf("article-%s.md", a.ID)
	}
	return fmt.Sprintf("%s-%s.md", slug, a.ID)
}
