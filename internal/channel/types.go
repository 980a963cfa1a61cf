package channel

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrAlreadyBound   = errors.New("external id already bound")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")
)

type BindConflictError struct {
	ExternalID    string
	HolderTenant  string
	ClaimerTenant string
}

func (e *BindConflictError) Error() string {
	return "external id " + e.ExternalID + " already bound to another tenant"
}

func (e *BindConflictError) Is(target error) bool {
	return target == ErrAlreadyBound
}

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusActive  SyncStatus = "active"
	SyncStatusFailed  SyncStatus = "failed"
	SyncStatusUnbound SyncStatus = "unbound"
)

type Quality string

const (
	QualityGreen  Quality = "green"
	QualityYellow Quality = "yellow"
	QualityRed    Quality = "red"
)

func (q Quality) rank() int {
	switch q {
	case QualityGreen:
		return 0
	case QualityYellow:
		return 1
	case QualityRed:
		return 2
	default:
		return 1
	}
}

// Degraded reports whether moving from q to other is a downgrade.
func (q Quality) Degraded(other Quality) bool {
	return other.rank() > q.rank()
}

type TenantChannel struct {
	TenantID          string     `json:"tenantId"`
	ExternalID        string     `json:"externalId,omitempty"`
	SyncStatus        SyncStatus `json:"syncStatus"`
	Quality           Quality    `json:"quality"`
	CapabilityBlocked bool       `json:"capabilityBlocked,omitempty"`
	CapabilityReason  string     `json:"capabilityReason,omitempty"`
	AccountBlocked    bool       `json:"accountBlocked,omitempty"`
	AccountReason     string     `json:"accountReason,omitempty"`
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty"`
	LastSyncError     string     `json:"lastSyncError,omitempty"`
	FailedAt          *time.Time `json:"failedAt,omitempty"`
}

// ChannelSnapshot is the upstream platform's view of a tenant channel, as
// returned by a reconciliation fetch or carried in a platform event.
type ChannelSnapshot struct {
	ExternalID        string  `json:"externalId,omitempty"`
	Provisioned       bool    `json:"provisioned"`
	Quality           Quality `json:"quality"`
	CapabilityBlocked bool    `json:"capabilityBlocked"`
	CapabilityReason  string  `json:"capabilityReason,omitempty"`
	AccountBlocked    bool    `json:"accountBlocked"`
	AccountReason     string  `json:"accountReason,omitempty"`
}

type CampaignStatus string

const (
	CampaignStatusActive CampaignStatus = "active"
	CampaignStatusPaused CampaignStatus = "paused"
	CampaignStatusDraft  CampaignStatus = "draft"
)

type Campaign struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	Name         string         `json:"name,omitempty"`
	Status       CampaignStatus `json:"status"`
	PausedReason string         `json:"pausedReason,omitempty"`
	PausedAt     *time.Time     `json:"pausedAt,omitempty"`
}

type CredentialStatus string

const (
	CredentialStatusValid         CredentialStatus = "valid"
	CredentialStatusExpiringSoon  CredentialStatus = "expiring_soon"
	CredentialStatusRefreshing    CredentialStatus = "refreshing"
	CredentialStatusRefreshFailed CredentialStatus = "refresh_failed"
)

type Credential struct {
	TenantID            string           `json:"tenantId"`
	SecretRef           string           `json:"secretRef"`
	Status              CredentialStatus `json:"status"`
	ExpiresAt           time.Time        `json:"expiresAt"`
	RefreshFailureCount int              `json:"refreshFailureCount"`
	LastRefreshAt       *time.Time       `json:"lastRefreshAt,omitempty"`
	LastRefreshError    string           `json:"lastRefreshError,omitempty"`
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func NormalizePriority(p Priority) Priority {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p
	default:
		return PriorityNormal
	}
}

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// PlatformEventRequest is an inbound upstream event as accepted by intake.
// Signature verification happens before the request reaches the store.
type PlatformEventRequest struct {
	EnvelopeID    string         `json:"envelopeId"`
	TenantID      string         `json:"tenantId"`
	EventType     string         `json:"eventType"`
	DeliveryID    string         `json:"deliveryId"`
	Priority      Priority       `json:"priority,omitempty"`
	ReceivedAt    string         `json:"receivedAt"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

type EventJob struct {
	Request      PlatformEventRequest `json:"request"`
	Status       JobStatus            `json:"status"`
	AttemptCount int                  `json:"attemptCount"`
	LastError    string               `json:"lastError,omitempty"`
}

type DeadLetter struct {
	EnvelopeID   string               `json:"envelopeId"`
	TenantID     string               `json:"tenantId"`
	Request      PlatformEventRequest `json:"request"`
	AttemptCount int                  `json:"attemptCount"`
	LastError    string               `json:"lastError"`
	FailedAt     string               `json:"failedAt"`
}

type DeadLetterFeed struct {
	Items      []DeadLetter `json:"items"`
	NextCursor *string      `json:"nextCursor"`
}

type QueuedResponse struct {
	Status        string `json:"status"`
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type AckResponse struct {
	Status        string `json:"status"`
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type KillSwitchEvent struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenantId"`
	Reason      string            `json:"reason"`
	Transitions []FieldTransition `json:"transitions"`
	PausedCount int               `json:"pausedCount"`
	Timestamp   string            `json:"timestamp"`
}

type AuditRecord struct {
	Type      string            `json:"type"`
	TenantID  string            `json:"tenantId"`
	Reason    string            `json:"reason,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AuditSink receives append-only operational records (kill-switch trips,
// credential refresh outcomes, identity conflicts).
type AuditSink interface {
	Append(record AuditRecord)
}

type Logger interface {
	Printf(format string, args ...any)
}

type LogAuditSink struct {
	Logger Logger
}

func (s *LogAuditSink) Append(record AuditRecord) {
	if s == nil || s.Logger == nil {
		return
	}
	s.Logger.Printf("audit %s tenant=%s reason=%q", record.Type, record.TenantID, record.Reason)
}
