// Package review stores one review per reviewing org and keeps the playbook's
// rating aggregate in step with the current reviews.
package review

import (
	"context"
	"log/slog"
	"strings"

	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/hub"
	"github.com/user/agentmarket/internal/metrics"
)

const (
	MinRating = 1
	MaxRating = 5
)

type Aggregator struct {
	db     *db.DB
	events *hub.Hub
	logger *slog.Logger
}

func NewAggregator(database *db.DB, events *hub.Hub, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{db: database, events: events, logger: logger}
}

type Submission struct {
	PlaybookSlug   string
	ReviewerOrgID  string
	ReviewerUserID string
	Rating         int
	Title          string
	Body           string
}

// Result is the stored review and the playbook aggregate after the write.
type Result struct {
	Review        *db.Review
	Created       bool
	AverageRating float64
	ReviewCount   int
}

// Submit creates or replaces the reviewer org's review. The reviewer org must
// have an ACTIVE installation of the playbook.
func (a *Aggregator) Submit(ctx context.Context, s Submission) (*Result, error) {
	if s.Rating < MinRating || s.Rating > MaxRating {
		return nil, apperror.ErrInvalidInput.
			Withf("rating must be between %d and %d, got %d", MinRating, MaxRating, s.Rating).
			With("field", "rating")
	}
	if strings.TrimSpace(s.ReviewerOrgID) == "" || strings.TrimSpace(s.ReviewerUserID) == "" {
		return nil, apperror.ErrInvalidInput.Withf("reviewer org and user are required")
	}

	var res *Result
	err := a.db.InTx(ctx, func(r *db.Repos) error {
		pb, err := loadPlaybook(ctx, r, s.PlaybookSlug)
		if err != nil {
			return err
		}
		live, err := r.Installations.GetLive(ctx, pb.ID, s.ReviewerOrgID)
		if err != nil {
			return err
		}
		if live == nil || live.Status != db.InstallationActive {
			return apperror.ErrNotInstalled.Withf("org %q has no active installation of %q", s.ReviewerOrgID, pb.Slug)
		}

		rv := &db.Review{
			PlaybookID:     pb.ID,
			ReviewerOrgID:  s.ReviewerOrgID,
			ReviewerUserID: s.ReviewerUserID,
			Rating:         s.Rating,
			Title:          strings.TrimSpace(s.Title),
			Body:           s.Body,
		}
		created, err := r.Reviews.Upsert(ctx, rv)
		if err != nil {
			return err
		}
		avg, count, err := r.Playbooks.RecomputeRating(ctx, pb.ID)
		if err != nil {
			return err
		}
		res = &Result{Review: rv, Created: created, AverageRating: avg, ReviewCount: count}
		return nil
	})
	if err != nil {
		return nil, apperror.Internal("submit review", err)
	}

	op := "update"
	if res.Created {
		op = "create"
	}
	metrics.RecordReview(op)
	a.logger.Info("review saved",
		"playbook_id", res.Review.PlaybookID, "org_id", s.ReviewerOrgID, "rating", s.Rating,
		"average_rating", res.AverageRating, "review_count", res.ReviewCount)
	a.publish(res.Review.PlaybookID, s.ReviewerOrgID, op, res)
	return res, nil
}

// Delete removes the reviewer org's review and recomputes the aggregate.
func (a *Aggregator) Delete(ctx context.Context, slug, reviewerOrgID string) (*Result, error) {
	var res *Result
	err := a.db.InTx(ctx, func(r *db.Repos) error {
		pb, err := loadPlaybook(ctx, r, slug)
		if err != nil {
			return err
		}
		rv, err := r.Reviews.GetByReviewer(ctx, pb.ID, reviewerOrgID)
		if err != nil {
			return err
		}
		if rv == nil {
			return apperror.ErrNotFound.Withf("org %q has not reviewed %q", reviewerOrgID, pb.Slug)
		}
		if _, err := r.Reviews.Delete(ctx, rv.ID); err != nil {
			return err
		}
		avg, count, err := r.Playbooks.RecomputeRating(ctx, pb.ID)
		if err != nil {
			return err
		}
		res = &Result{Review: rv, AverageRating: avg, ReviewCount: count}
		return nil
	})
	if err != nil {
		return nil, apperror.Internal("delete review", err)
	}

	metrics.RecordReview("delete")
	a.logger.Info("review deleted", "playbook_id", res.Review.PlaybookID, "org_id", reviewerOrgID)
	a.publish(res.Review.PlaybookID, reviewerOrgID, "delete", res)
	return res, nil
}

func (a *Aggregator) List(ctx context.Context, slug string) ([]*db.Review, error) {
	repos := a.db.Repos()
	pb, err := loadPlaybook(ctx, repos, slug)
	if err != nil {
		return nil, err
	}
	out, err := repos.Reviews.ListByPlaybook(ctx, pb.ID)
	if err != nil {
		return nil, apperror.Internal("list reviews", err)
	}
	return out, nil
}

func (a *Aggregator) publish(playbookID, orgID, op string, res *Result) {
	a.events.Publish(hub.Event{
		Type:     hub.EventReview,
		OrgID:    orgID,
		EntityID: playbookID,
		Data: map[string]any{
			"op":             op,
			"rating":         res.Review.Rating,
			"average_rating": res.AverageRating,
			"review_count":   res.ReviewCount,
		},
	})
}

func loadPlaybook(ctx context.Context, r *db.Repos, slug string) (*db.Playbook, error) {
	pb, err := r.Playbooks.GetBySlug(ctx, slug)
	if err != nil {
		return nil, apperror.Internal("load playbook", err)
	}
	if pb == nil {
		return nil, apperror.ErrNotFound.Withf("playbook %q not found", slug)
	}
	return pb, nil
}
