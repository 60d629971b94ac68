// Package lifecycle drives a playbook through its publication states. The
// transition table below is the single source for runtime checks and tests.
package lifecycle

import (
	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
)

type Action string

const (
	ActionPublish   Action = "publish"
	ActionApprove   Action = "approve"
	ActionReject    Action = "reject"
	ActionSuspend   Action = "suspend"
	ActionReinstate Action = "reinstate"
	ActionArchive   Action = "archive"
)

// Role is who may trigger a transition.
type Role string

const (
	RolePublisher Role = "publisher"
	RoleAdmin     Role = "admin"
)

type Transition struct {
	From           db.PlaybookStatus
	Action         Action
	To             db.PlaybookStatus
	Role           Role
	ReasonRequired bool
}

var Table = []Transition{
	{From: db.PlaybookDraft, Action: ActionPublish, To: db.PlaybookPendingReview, Role: RolePublisher},
	{From: db.PlaybookPendingReview, Action: ActionApprove, To: db.PlaybookPublished, Role: RoleAdmin},
	{From: db.PlaybookPendingReview, Action: ActionReject, To: db.PlaybookDraft, Role: RoleAdmin, ReasonRequired: true},
	{From: db.PlaybookPublished, Action: ActionSuspend, To: db.PlaybookSuspended, Role: RoleAdmin, ReasonRequired: true},
	{From: db.PlaybookSuspended, Action: ActionReinstate, To: db.PlaybookPublished, Role: RoleAdmin},
	{From: db.PlaybookDraft, Action: ActionArchive, To: db.PlaybookArchived, Role: RolePublisher},
	{From: db.PlaybookPendingReview, Action: ActionArchive, To: db.PlaybookArchived, Role: RolePublisher},
	{From: db.PlaybookPublished, Action: ActionArchive, To: db.PlaybookArchived, Role: RolePublisher},
	{From: db.PlaybookSuspended, Action: ActionArchive, To: db.PlaybookArchived, Role: RolePublisher},
}

var Statuses = []db.PlaybookStatus{
	db.PlaybookDraft,
	db.PlaybookPendingReview,
	db.PlaybookPublished,
	db.PlaybookSuspended,
	db.PlaybookArchived,
}

var Actions = []Action{
	ActionPublish,
	ActionApprove,
	ActionReject,
	ActionSuspend,
	ActionReinstate,
	ActionArchive,
}

// Allowed lists the actions valid from status, in table order.
func Allowed(from db.PlaybookStatus) []Action {
	out := []Action{}
	for _, t := range Table {
		if t.From == from {
			out = append(out, t.Action)
		}
	}
	return out
}

// Next looks up the transition for (from, action). Pairs missing from the
// table return an invalid_transition error carrying from, action and the
// allowed actions.
func Next(from db.PlaybookStatus, action Action) (Transition, error) {
	for _, t := range Table {
		if t.From == from && t.Action == action {
			return t, nil
		}
	}
	allowed := Allowed(from)
	names := make([]string, 0, len(allowed))
	for _, a := range allowed {
		names = append(names, string(a))
	}
	return Transition{}, apperror.ErrInvalidTransition.
		Withf("cannot %s a %s playbook", action, from).
		With("from", string(from)).
		With("action", string(action)).
		With("allowed", names)
}

// Actor is the caller of a lifecycle operation.
type Actor struct {
	UserID string
	OrgID  string
	Admin  bool
}

// Authorize checks that actor may act in role on pb.
func Authorize(actor Actor, role Role, pb *db.Playbook) error {
	switch role {
	case RoleAdmin:
		if !actor.Admin {
			return apperror.ErrForbidden.Withf("%s requires a platform admin", role).With("user_id", actor.UserID)
		}
	case RolePublisher:
		if actor.OrgID == "" || actor.OrgID != pb.PublisherOrgID {
			return apperror.ErrNotOwner.Withf("org %q does not publish playbook %q", actor.OrgID, pb.Slug)
		}
	}
	return nil
}
