package syncer

import (
	"sort"

	"kbsync/features/article"
	"kbsync/features/snapshot"
)

// Update pairs a changed article with the entry it replaces.
type Update struct {
	Article  article.Article
	Previous snapshot.Entry
}

// Classification partitions the union of previous and current article ids.
// Each bucket is ordered by article id.
type Classification struct {
	New       []article.Article
	Updated   []Update
	Unchanged []article.Article
	Deleted   []snapshot.Entry
}

// Pending returns the number of articles that need remote work.
func (c Classification) Pending() int {
	return len(c.New) + len(c.Updated) + len(c.Deleted)
}

// Classify compares the current corpus against the previous snapshot.
// current must not contain duplicate ids.
func Classify(prev *snapshot.CorpusSnapshot, current []article.Article) Classification {
	var c Classification
	seen := make(map[string]struct{}, len(current))

	for _, a := range current {
		seen[a.ID] = struct{}{}
		var (
			e  snapshot.Entry
			ok bool
		)
		if prev != nil {
			e, ok = prev.Get(a.ID)
		}
		switch {
		case !ok:
			c.New = append(c.New, a)
		case e.Fingerprint == a.Fingerprint:
			c.Unchanged = append(c.Unchanged, a)
		default:
			c.Updated = append(c.Updated, Update{Article: a, Previous: e})
		}
	}

	if prev != nil {
		for _, e := range prev.Sorted() {
			if _, ok := seen[e.ArticleID]; !ok {
				c.Deleted = append(c.Deleted, e)
			}
		}
	}

	sortArticles(c.New)
	sortArticles(c.Unchanged)
	sort.Slice(c.Updated, func(i, j int) bool {
		return c.Updated[i].Article.ID < c.Updated[j].Article.ID
	})
	return c
}

func sortArticles(as []article.Article) {
	sort.Slice(as, func(i, j int) bool { return as[i].ID < as[j].ID })
}
