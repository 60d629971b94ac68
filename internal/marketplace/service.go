// Package marketplace wires the packaging, licensing, deploy and review
// components over one store. Every operation returns a result struct or an
// *apperror.Error.
package marketplace

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/deploy"
	"github.com/user/agentmarket/internal/hub"
	"github.com/user/agentmarket/internal/integration"
	"github.com/user/agentmarket/internal/licensing"
	"github.com/user/agentmarket/internal/lifecycle"
	"github.com/user/agentmarket/internal/registry"
	"github.com/user/agentmarket/internal/review"
	"github.com/user/agentmarket/internal/uninstall"
)

type Options struct {
	FeeRate                  float64
	UninstallOnRefund        bool
	AllowArchiveWithInstalls bool
	SmokeTimeout             time.Duration
	SmokeParallelism         int
	StaleDeployAfter         time.Duration
	Tools                    *registry.Registry
	Runner                   deploy.Runner
	Events                   *hub.Hub
	Logger                   *slog.Logger
}

type Service struct {
	db         *db.DB
	lifecycle  *lifecycle.Machine
	ledger     *licensing.Ledger
	deployer   *deploy.Orchestrator
	uninstall  *uninstall.Engine
	reviews    *review.Aggregator
	mapper     *integration.Mapper
	staleAfter time.Duration
	logger     *slog.Logger
}

func New(database *db.DB, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine := uninstall.NewEngine(database, opts.Events, logger)
	return &Service{
		db: database,
		lifecycle: lifecycle.NewMachine(database, lifecycle.Options{
			AllowArchiveWithInstalls: opts.AllowArchiveWithInstalls,
			Events:                   opts.Events,
			Logger:                   logger,
		}),
		ledger: licensing.NewLedger(database, licensing.Options{
			FeeRate:           opts.FeeRate,
			UninstallOnRefund: opts.UninstallOnRefund,
			Uninstaller:       engine,
			Events:            opts.Events,
			Logger:            logger,
		}),
		deployer: deploy.NewOrchestrator(database, engine, deploy.Options{
			Runner:           opts.Runner,
			Tools:            opts.Tools,
			SmokeTimeout:     opts.SmokeTimeout,
			SmokeParallelism: opts.SmokeParallelism,
			Events:           opts.Events,
			Logger:           logger,
		}),
		uninstall:  engine,
		reviews:    review.NewAggregator(database, opts.Events, logger),
		mapper:     integration.NewMapper(database),
		staleAfter: opts.StaleDeployAfter,
		logger:     logger,
	}
}

func (s *Service) transition(ctx context.Context, action lifecycle.Action, playbookID string, actor lifecycle.Actor, reason, changelog string) (*lifecycle.Result, error) {
	return s.lifecycle.Apply(ctx, lifecycle.Request{
		PlaybookID: playbookID,
		Action:     action,
		Actor:      actor,
		Reason:     reason,
		Changelog:  changelog,
	})
}

// Publish submits a DRAFT playbook for review.
func (s *Service) Publish(ctx context.Context, playbookID string, actor lifecycle.Actor) (*lifecycle.Result, error) {
	return s.transition(ctx, lifecycle.ActionPublish, playbookID, actor, "", "")
}

// Approve publishes a playbook under review and writes its next version.
func (s *Service) Approve(ctx context.Context, playbookID, changelog string, actor lifecycle.Actor) (*lifecycle.Result, error) {
	return s.transition(ctx, lifecycle.ActionApprove, playbookID, actor, "", changelog)
}

func (s *Service) Reject(ctx context.Context, playbookID, reason string, actor lifecycle.Actor) (*lifecycle.Result, error) {
	return s.transition(ctx, lifecycle.ActionReject, playbookID, actor, reason, "")
}

func (s *Service) Suspend(ctx context.Context, playbookID, reason string, actor lifecycle.Actor) (*lifecycle.Result, error) {
	return s.transition(ctx, lifecycle.ActionSuspend, playbookID, actor, reason, "")
}

func (s *Service) Reinstate(ctx context.Context, playbookID string, actor lifecycle.Actor) (*lifecycle.Result, error) {
	return s.transition(ctx, lifecycle.ActionReinstate, playbookID, actor, "", "")
}

func (s *Service) Archive(ctx context.Context, playbookID string, actor lifecycle.Actor) (*lifecycle.Result, error) {
	return s.transition(ctx, lifecycle.ActionArchive, playbookID, actor, "", "")
}

func (s *Service) ReleaseVersion(ctx context.Context, playbookID, changelog string, actor lifecycle.Actor) (*lifecycle.Result, error) {
	return s.lifecycle.ReleaseVersion(ctx, playbookID, changelog, actor)
}

func (s *Service) History(ctx context.Context, playbookID string) ([]*db.AuditEntry, error) {
	return s.lifecycle.History(ctx, playbookID)
}

func (s *Service) Purchase(ctx context.Context, slug, buyerOrgID, buyerUserID string) (*db.Purchase, error) {
	return s.ledger.Purchase(ctx, slug, buyerOrgID, buyerUserID)
}

// CompletePayment is the hook the payment collaborator calls.
func (s *Service) CompletePayment(ctx context.Context, purchaseID string, outcome licensing.Outcome) (*db.Purchase, error) {
	return s.ledger.CompletePayment(ctx, purchaseID, outcome)
}

func (s *Service) Deploy(ctx context.Context, req deploy.Request) (*db.Installation, error) {
	return s.deployer.Deploy(ctx, req)
}

func (s *Service) Plan(ctx context.Context, req deploy.Request) (*deploy.Plan, error) {
	return s.deployer.Plan(ctx, req)
}

// RecoverStaleDeployments fails and rolls back deploys that have been
// IN_PROGRESS longer than the configured age.
func (s *Service) RecoverStaleDeployments(ctx context.Context) ([]string, error) {
	return s.deployer.RecoverStale(ctx, s.staleAfter)
}

func (s *Service) Uninstall(ctx context.Context, installationID, requestingOrgID, requestingUserID string) error {
	return s.uninstall.Uninstall(ctx, installationID, requestingOrgID, requestingUserID)
}

func (s *Service) SubmitReview(ctx context.Context, sub review.Submission) (*review.Result, error) {
	return s.reviews.Submit(ctx, sub)
}

func (s *Service) DeleteReview(ctx context.Context, slug, reviewerOrgID string) (*review.Result, error) {
	return s.reviews.Delete(ctx, slug, reviewerOrgID)
}

func (s *Service) ListReviews(ctx context.Context, slug string) ([]*db.Review, error) {
	return s.reviews.List(ctx, slug)
}

func (s *Service) MapIntegrations(ctx context.Context, required []string, targetOrgID, targetWorkspaceID string) ([]db.IntegrationMapping, error) {
	return s.mapper.Map(ctx, required, targetOrgID, targetWorkspaceID)
}

// Installation returns an installation visible to orgID.
func (s *Service) Installation(ctx context.Context, installationID, orgID string) (*db.Installation, error) {
	inst, err := s.db.Repos().Installations.Get(ctx, installationID)
	if err != nil {
		return nil, apperror.Internal("get installation", err)
	}
	if inst == nil {
		return nil, apperror.ErrNotFound.Withf("installation %q not found", installationID)
	}
	if inst.TargetOrgID != orgID {
		return nil, apperror.ErrNotOwner.Withf("org %q does not own installation %q", orgID, installationID)
	}
	return inst, nil
}

// Browse lists PUBLISHED playbooks, most installed first.
func (s *Service) Browse(ctx context.Context) ([]*db.Playbook, error) {
	out, err := s.db.Repos().Playbooks.List(ctx, db.PlaybookFilter{Status: db.PlaybookPublished})
	if err != nil {
		return nil, apperror.Internal("browse playbooks", err)
	}
	return out, nil
}
