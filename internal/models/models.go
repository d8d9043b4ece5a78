package models

import (
	"time"

	"gorm.io/datatypes"
)

// User roles
const (
	RoleUser       = "user"
	RoleConsultant = "consultant"
	RoleAdmin      = "admin"
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusInactive  = "inactive"
)

// Submission statuses
const (
	SubmissionStatusSubmitted  = "submitted"
	SubmissionStatusMatching   = "matching"
	SubmissionStatusMatched    = "matched"
	SubmissionStatusInProgress = "in_progress"
	SubmissionStatusCompleted  = "completed"
	SubmissionStatusRefunded   = "refunded"
	SubmissionStatusCancelled  = "cancelled"
)

// Invitation statuses
const (
	InvitationStatusPending  = "pending"
	InvitationStatusAccepted = "accepted"
	InvitationStatusDeclined = "declined"
	InvitationStatusExpired  = "expired"
)

// Ledger entry types
const (
	TransactionTypeRefund        = "refund"
	TransactionTypeSubmissionFee = "submission_fee"
	TransactionTypePurchase      = "purchase"
	TransactionTypeAdjustment    = "adjustment"
)

// Sweep run statuses
const (
	SweepStatusRunning   = "running"
	SweepStatusCompleted = "completed"
	SweepStatusFailed    = "failed"
)

// User 平台用户，持有代币余额
type User struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	Email           string    `gorm:"uniqueIndex" json:"email"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`   // user, consultant, admin
	Status          string    `json:"status"` // active, suspended
	TokenBalance    int64     `gorm:"not null;default:0" json:"token_balance"`
	IsPlatformAdmin bool      `gorm:"default:false" json:"is_platform_admin"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Consultant 顾问档案
type Consultant struct {
	ID                  string    `gorm:"primaryKey" json:"id"`
	UserID              string    `gorm:"uniqueIndex" json:"user_id"`
	DisplayName         string    `json:"display_name"`
	Specialty           string    `gorm:"index" json:"specialty"`
	Status              string    `json:"status"` // active, inactive
	IsAvailable         bool      `gorm:"default:true" json:"is_available"`
	Rating              float64   `json:"rating"`
	HourlyRate          int64     `json:"hourly_rate"`
	InvitationsTotal    int       `json:"invitations_total"`
	InvitationsAccepted int       `json:"invitations_accepted"`
	AcceptanceRate      float64   `json:"acceptance_rate"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ProblemSubmission 用户提交的付费咨询请求
type ProblemSubmission struct {
	ID                  string                 `gorm:"primaryKey" json:"id"`
	UserID              string                 `gorm:"index" json:"user_id"`
	Title               string                 `json:"title"`
	Description         string                 `gorm:"type:text" json:"description"`
	Category            string                 `gorm:"index" json:"category"`
	Urgency             string                 `json:"urgency"` // low, normal, high
	Status              string                 `gorm:"index" json:"status"`
	SubmissionFee       int64                  `gorm:"not null" json:"submission_fee"`
	MatchedConsultantID *string                `json:"matched_consultant_id,omitempty"`
	MatchedAt           *time.Time             `json:"matched_at,omitempty"`
	RefundedAt          *time.Time             `json:"refunded_at,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	Invitations         []ConsultantInvitation `gorm:"foreignKey:ProblemSubmissionID" json:"invitations,omitempty"`
}

// ConsultantInvitation 发给单个顾问的接单邀请
type ConsultantInvitation struct {
	ID                  string     `gorm:"primaryKey" json:"id"`
	ProblemSubmissionID string     `gorm:"index" json:"problem_submission_id"`
	ConsultantID        string     `gorm:"index" json:"consultant_id"`
	Status              string     `gorm:"index" json:"status"`
	InvitedAt           time.Time  `json:"invited_at"`
	ExpiresAt           time.Time  `gorm:"index" json:"expires_at"`
	RespondedAt         *time.Time `json:"responded_at,omitempty"`
	IsSurge             bool       `gorm:"default:false" json:"is_surge"`
	SurgeMultiplier     float64    `gorm:"default:1" json:"surge_multiplier"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TokenTransaction 代币流水，只追加不修改
type TokenTransaction struct {
	ID            string         `gorm:"primaryKey" json:"id"`
	UserID        string         `gorm:"index" json:"user_id"`
	Type          string         `gorm:"index" json:"type"`
	Amount        int64          `json:"amount"`
	BalanceAfter  int64          `json:"balance_after"`
	Description   string         `json:"description"`
	ReferenceType string         `json:"reference_type,omitempty"`
	ReferenceID   string         `gorm:"index" json:"reference_id,omitempty"`
	Metadata      datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AuditLog 审计日志
type AuditLog struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	RequestID   string         `gorm:"index" json:"request_id"`
	ActorType   string         `json:"actor_type"` // system, user, admin, consultant
	ActorID     string         `gorm:"index" json:"actor_id"`
	Action      string         `gorm:"index" json:"action"`
	SubjectType string         `gorm:"index:idx_audit_subject" json:"subject_type"`
	SubjectID   string         `gorm:"index:idx_audit_subject" json:"subject_id"`
	BeforeState datatypes.JSON `json:"before_state,omitempty"`
	AfterState  datatypes.JSON `json:"after_state,omitempty"`
	Status      string         `json:"status"`
	Message     string         `json:"message"`
	CreatedAt   time.Time      `json:"created_at"`
}

type AuditAction struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification 站内信
type Notification struct {
	ID        string         `gorm:"primaryKey" json:"id"`
	UserID    string         `gorm:"index" json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Payload   datatypes.JSON `json:"payload"`
	IsRead    bool           `json:"is_read"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SweepRun 记录每一次过期/退款清扫
type SweepRun struct {
	ID                 string         `gorm:"primaryKey" json:"id"`
	Trigger            string         `json:"trigger"` // scheduled, manual, cli
	Status             string         `gorm:"index" json:"status"`
	StartedAt          time.Time      `gorm:"index" json:"started_at"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty"`
	InvitationsFound   int            `json:"invitations_found"`
	InvitationsExpired int            `json:"invitations_expired"`
	InvitationsFailed  int            `json:"invitations_failed"`
	RefundsFound       int            `json:"refunds_found"`
	RefundsSettled     int            `json:"refunds_settled"`
	RefundsSkipped     int            `json:"refunds_skipped"`
	RefundsFailed      int            `json:"refunds_failed"`
	TokensRefunded     int64          `json:"tokens_refunded"`
	Details            datatypes.JSON `json:"details,omitempty"`
	Error              string         `json:"error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// All 返回需要自动迁移的模型
func All() []interface{} {
	return []interface{}{
		&User{},
		&Consultant{},
		&ProblemSubmission{},
		&ConsultantInvitation{},
		&TokenTransaction{},
		&AuditLog{},
		&AuditAction{},
		&Notification{},
		&SweepRun{},
	}
}
