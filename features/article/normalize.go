package article

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var articlePathID = regexp.MustCompile(`/articles/(\d+)`)

// Normalize converts a raw help-center article into its canonical form.
// It is deterministic: the same raw input always yields the same ID and
// fingerprint.
func Normalize(raw RawArticle) (Article, error) {
	title := collapseSpaces(raw.Title)
	canonical := CanonicalURL(raw.HTMLURL)

	id := ""
	if raw.ID > 0 {
		id = strconv.FormatInt(raw.ID, 10)
	} else if m := articlePathID.FindStringSubmatch(canonical); m != nil {
		id = m[1]
	}
	if id == "" {
		return Article{}, &NormalizationError{SourceID: raw.ID, Title: title, Reason: "no stable identifier in id or url"}
	}
	if title == "" {
		title = "Article " + id
	}

	body, err := HTMLToMarkdown(raw.Body)
	if err != nil {
		return Article{}, &NormalizationError{SourceID: raw.ID, ArticleID: id, Title: title, Reason: "parse body: " + err.Error()}
	}

	return Article{
		ID:           id,
		Title:        title,
		URL:          canonical,
		Body:         body,
		LastModified: raw.UpdatedAt,
		Fingerprint:  Fingerprint(title, canonical, body),
	}, nil
}

var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"msclkid": true,
	"mc_cid":  true,
	"mc_eid":  true,
	"_ga":     true,
	"_gl":     true,
	"_hsenc":  true,
	"_hsmi":   true,
	"ref":     true,
	"cb":      true,
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "utm_") || trackingParams[k]
}

// CanonicalURL strips tracking parameters and fragments and sorts the
// remaining query so equivalent links compare equal. Unparseable input is
// returned trimmed but otherwise unchanged.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if isTrackingParam(k) {
				q.Del(k)
			}
		}
		u.RawQuery = q.Encode()
	}
	u.ForceQuery = false
	return u.String()
}

var spaceRun = regexp.MustCompile(`[\s\p{Zs}]+`)

func collapseSpaces(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}
