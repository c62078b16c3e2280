package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kbsync/features/syncer"
)

// Runner starts a sync run in the background.
type Runner interface {
	Start(ctx context.Context) (string, error)
}

type Service struct {
	repo   Repository
	runner Runner
}

// NewService builds the failure ledger. runner may be nil, in which case
// Retry is unavailable.
func NewService(repo Repository, runner Runner) *Service {
	return &Service{repo: repo, runner: runner}
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

func (s *Service) Dismiss(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// Retry starts a sync run for a recorded failure. The run re-attempts
// every article that is not in sync, and clears the failure when the
// article succeeds.
func (s *Service) Retry(ctx context.Context, id string) (string, error) {
	if s.runner == nil {
		return "", errors.New("retry is not available")
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return "", err
	}
	return s.runner.Start(ctx)
}

// Record stores the failures of one run.
func (s *Service) Record(ctx context.Context, runID string, failures []syncer.Failure) error {
	var errs []error
	for _, f := range failures {
		j := &Job{RunID: runID, ArticleID: f.ArticleID, Title: f.Title, Operation: f.Op, Error: f.Reason}
		if err := s.repo.Save(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("article %s: %w", f.ArticleID, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve clears the failures of articles that synced successfully.
func (s *Service) Resolve(ctx context.Context, articleIDs []string) error {
	if len(articleIDs) == 0 {
		return nil
	}
	n, err := s.repo.Resolve(ctx, articleIDs)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.InfoContext(ctx, "resolved failed articles", "count", n)
	}
	return nil
}
