package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConflict = errors.New("unique constraint violation")
	ErrNotFound = errors.New("row not found")
)

type PlaybookStatus string

const (
	PlaybookDraft         PlaybookStatus = "DRAFT"
	PlaybookPendingReview PlaybookStatus = "PENDING_REVIEW"
	PlaybookPublished     PlaybookStatus = "PUBLISHED"
	PlaybookSuspended     PlaybookStatus = "SUSPENDED"
	PlaybookArchived      PlaybookStatus = "ARCHIVED"
)

type PricingModel string

const (
	PricingFree         PricingModel = "FREE"
	PricingOneTime      PricingModel = "ONE_TIME"
	PricingSubscription PricingModel = "SUBSCRIPTION"
	PricingPerUse       PricingModel = "PER_USE"
)

func (p PricingModel) Valid() bool {
	switch p {
	case PricingFree, PricingOneTime, PricingSubscription, PricingPerUse:
		return true
	}
	return false
}

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "PENDING"
	PurchaseCompleted PurchaseStatus = "COMPLETED"
	PurchaseFailed    PurchaseStatus = "FAILED"
	PurchaseRefunded  PurchaseStatus = "REFUNDED"
)

type InstallationStatus string

const (
	InstallationInProgress  InstallationStatus = "IN_PROGRESS"
	InstallationActive      InstallationStatus = "ACTIVE"
	InstallationUninstalled InstallationStatus = "UNINSTALLED"
	InstallationFailed      InstallationStatus = "FAILED"
)

type Playbook struct {
	ID                   string         `json:"id"`
	Slug                 string         `json:"slug"`
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Status               PlaybookStatus `json:"status"`
	PricingModel         PricingModel   `json:"pricing_model"`
	PriceCents           int64          `json:"price_cents"`
	PublisherOrgID       string         `json:"publisher_org_id"`
	InstallCount         int            `json:"install_count"`
	AverageRating        float64        `json:"average_rating"`
	ReviewCount          int            `json:"review_count"`
	RequiredIntegrations []string       `json:"required_integrations"`
	CurrentVersion       int            `json:"current_version"`
	PendingManifest      string         `json:"-"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

type PlaybookVersion struct {
	PlaybookID string    `json:"playbook_id"`
	Version    int       `json:"version"`
	Manifest   string    `json:"manifest"`
	Digest     string    `json:"digest"`
	Changelog  string    `json:"changelog"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by"`
}

type PlaybookComponent struct {
	ID             string    `json:"id"`
	PlaybookID     string    `json:"playbook_id"`
	ComponentType  string    `json:"component_type"`
	SourceEntityID string    `json:"source_entity_id,omitempty"`
	SourceSlug     string    `json:"source_slug"`
	ConfigSnapshot string    `json:"config_snapshot"`
	IsEntryPoint   bool      `json:"is_entry_point"`
	SortOrder      int       `json:"sort_order"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Purchase struct {
	ID                string         `json:"id"`
	PlaybookID        string         `json:"playbook_id"`
	BuyerOrgID        string         `json:"buyer_org_id"`
	BuyerUserID       string         `json:"buyer_user_id"`
	Status            PurchaseStatus `json:"status"`
	PricingModel      PricingModel   `json:"pricing_model"`
	AmountCents       int64          `json:"amount_cents"`
	PlatformFeeCents  int64          `json:"platform_fee_cents"`
	SellerPayoutCents int64          `json:"seller_payout_cents"`
	PaymentRef        string         `json:"payment_ref,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type Rename struct {
	Kind string `json:"kind"`
	From string `json:"from"`
	To   string `json:"to"`
}

type Customizations struct {
	Renames      []Rename `json:"renames,omitempty"`
	UnknownTools []string `json:"unknown_tools,omitempty"`
}

type TestCaseResult struct {
	Slug       string `json:"slug"`
	Passed     bool   `json:"passed"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type TestResults struct {
	Passed int              `json:"passed"`
	Failed int              `json:"failed"`
	Total  int              `json:"total"`
	Cases  []TestCaseResult `json:"cases,omitempty"`
}

type IntegrationMapping struct {
	Provider     string `json:"provider"`
	Connected    bool   `json:"connected"`
	ConnectionID string `json:"connection_id,omitempty"`
	Warning      string `json:"warning,omitempty"`
}

type Installation struct {
	ID                 string               `json:"id"`
	PlaybookID         string               `json:"playbook_id"`
	PurchaseID         string               `json:"purchase_id"`
	TargetOrgID        string               `json:"target_org_id"`
	TargetWorkspaceID  string               `json:"target_workspace_id"`
	InstalledByUserID  string               `json:"installed_by_user_id"`
	VersionInstalled   int                  `json:"version_installed"`
	Status             InstallationStatus   `json:"status"`
	CreatedAgentIDs    []string             `json:"created_agent_ids"`
	CreatedSkillIDs    []string             `json:"created_skill_ids"`
	CreatedDocumentIDs []string             `json:"created_document_ids"`
	CreatedWorkflowIDs []string             `json:"created_workflow_ids"`
	CreatedNetworkIDs  []string             `json:"created_network_ids"`
	CreatedOtherIDs    []string             `json:"created_other_ids"`
	Customizations     *Customizations      `json:"customizations,omitempty"`
	TestResults        *TestResults         `json:"test_results,omitempty"`
	IntegrationStatus  []IntegrationMapping `json:"integration_status,omitempty"`
	Error              string               `json:"error,omitempty"`
	ActivatedAt        *time.Time           `json:"activated_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// ProvenanceEntry records one entity created by an installation. Seq is the
// global creation order.
type ProvenanceEntry struct {
	Seq            int64     `json:"seq"`
	InstallationID string    `json:"installation_id"`
	Kind           string    `json:"kind"`
	EntityID       string    `json:"entity_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type Review struct {
	ID             string    `json:"id"`
	PlaybookID     string    `json:"playbook_id"`
	ReviewerOrgID  string    `json:"reviewer_org_id"`
	ReviewerUserID string    `json:"reviewer_user_id"`
	Rating         int       `json:"rating"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type AuditEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	ActorID    string    `json:"actor_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkspaceEntity is a materialized agent, skill, document, workflow, network,
// guardrail, test case or scorecard living in one org's workspace.
type WorkspaceEntity struct {
	ID          string              `json:"id"`
	Kind        string              `json:"kind"`
	OrgID       string              `json:"org_id"`
	WorkspaceID string              `json:"workspace_id"`
	Slug        string              `json:"slug"`
	Name        string              `json:"name"`
	Spec        string              `json:"spec"`
	Refs        map[string][]string `json:"refs"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type IntegrationProvider struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type IntegrationConnection struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	ProviderKey string    `json:"provider_key"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type PlaybookFilter struct {
	Status         PlaybookStatus
	PublisherOrgID string
}

type InstallationFilter struct {
	PlaybookID  string
	TargetOrgID string
	Status      InstallationStatus
}

func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id.String(), nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func encodeStringSlice(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	buf, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode string slice: %w", err)
	}
	return string(buf), nil
}

func decodeStringSlice(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string slice: %w", err)
	}
	return values, nil
}

// encodeJSON stores nil values as an empty string so the column can tell
// "never set" apart from an empty object.
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json column: %w", err)
	}
	if string(buf) == "null" {
		return "", nil
	}
	return string(buf), nil
}

func decodeJSON(raw string, out any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		// SQLITE_CONSTRAINT_UNIQUE and SQLITE_CONSTRAINT_PRIMARYKEY
		if c := coded.Code(); c == 2067 || c == 1555 {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
