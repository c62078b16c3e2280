package syncer

import "kbsync/features/article"

// SetNormalizer replaces the article normalizer of s.
func SetNormalizer(s *Service, fn func(article.RawArticle) (article.Article, error)) {
	s.normalize = fn
}
