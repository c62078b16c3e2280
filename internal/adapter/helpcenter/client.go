// Package helpcenter reads published articles from a Zendesk Help Center.
package helpcenter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"kbsync/features/article"
	"kbsync/internal/remote"
	"kbsync/internal/retry"
)

type Client struct {
	baseURL  string
	locale   string
	pageSize int
	client   *http.Client
	limiter  *rate.Limiter
	policy   retry.Policy
}

// NewClient builds a client for the help center at baseURL. rps paces page
// fetches; zero disables pacing.
func NewClient(baseURL, locale string, pageSize int, rps float64, policy retry.Policy) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		locale:   locale,
		pageSize: pageSize,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(limit, 1),
		policy:   policy,
	}
}

type Page struct {
	Articles []article.RawArticle
	// Next is the token of the following page, empty on the last page.
	Next  string
	Total int
}

type listResponse struct {
	Articles []article.RawArticle `json:"articles"`
	NextPage *string              `json:"next_page"`
	Count    int                  `json:"count"`
}

func (c *Client) firstPage() string {
	u := fmt.Sprintf("%s/api/v2/help_center/%s/articles.json", c.baseURL, url.PathEscape(c.locale))
	if c.pageSize > 0 {
		u += "?per_page=" + strconv.Itoa(c.pageSize)
	}
	return u
}

// ListPage fetches one page of articles. An empty token selects the first
// page. Drafts are left out.
func (c *Client) ListPage(ctx context.Context, token string) (Page, error) {
	if token == "" {
		token = c.firstPage()
	}

	var resp listResponse
	if err := c.get(ctx, "list articles", token, &resp); err != nil {
		return Page{}, err
	}

	page := Page{Total: resp.Count}
	if resp.NextPage != nil {
		page.Next = *resp.NextPage
	}
	for _, a := range resp.Articles {
		if a.Draft {
			continue
		}
		page.Articles = append(page.Articles, a)
	}
	return page, nil
}

// Articles iterates over every published article. Iteration stops at the
// first error, which is yielded.
func (c *Client) Articles(ctx context.Context) iter.Seq2[article.RawArticle, error] {
	return c.ArticlesFrom(ctx, "")
}

// ArticlesFrom iterates starting at the page identified by token.
func (c *Client) ArticlesFrom(ctx context.Context, token string) iter.Seq2[article.RawArticle, error] {
	return func(yield func(article.RawArticle, error) bool) {
		seen := map[string]bool{}
		pages := 0
		for {
			page, err := c.ListPage(ctx, token)
			if err != nil {
				yield(article.RawArticle{}, err)
				return
			}
			pages++
			for _, a := range page.Articles {
				if !yield(a, nil) {
					return
				}
			}
			if page.Next == "" || seen[page.Next] {
				slog.DebugContext(ctx, "help center listing complete", "pages", pages, "total", page.Total)
				return
			}
			seen[page.Next] = true
			token = page.Next
		}
	}
}

// FetchArticle returns a single article by id.
func (c *Client) FetchArticle(ctx context.Context, id int64) (article.RawArticle, error) {
	u := fmt.Sprintf("%s/api/v2/help_center/%s/articles/%d.json", c.baseURL, url.PathEscape(c.locale), id)
	var resp struct {
		Article article.RawArticle `json:"article"`
	}
	if err := c.get(ctx, "get article", u, &resp); err != nil {
		return article.RawArticle{}, err
	}
	return resp.Article, nil
}

func (c *Client) get(ctx context.Context, op, u string, out any) error {
	return retry.Do(ctx, c.policy, op, func(ctx context.Context) error {
		// A wait that would outlast the call timeout is retried like a 429.
		if err := c.limiter.Wait(ctx); err != nil {
			return remote.FromTransport(op, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return remote.FromTransport(op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return remote.FromStatus(op, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	})
}
