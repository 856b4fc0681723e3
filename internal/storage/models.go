// Package storage persists sandbox runs and skills via GORM. The same
// models and repositories serve both backends: SQLite (pure Go driver,
// WAL mode) for single-node installs and PostgreSQL for shared ones.
package storage

import "time"

// RunModel is one persisted code execution.
type RunModel struct {
	ID           string `gorm:"primaryKey;type:uuid"`
	DeploymentID string `gorm:"index:idx_runs_deployment"`
	Caller       string `gorm:"index"`
	TeamsJSON    string `gorm:"type:text"` // caller teams at execution time
	SessionID    string `gorm:"index"`
	Language     string
	Runtime      string
	CodeHash     string `gorm:"index"`
	CodeBody     string `gorm:"type:text"`
	Status       string `gorm:"index"` // "completed", "failed", "timed_out", "blocked", "rate_limited"
	ExitCode     int
	Output       string `gorm:"type:text"` // tokenized, capped
	ErrorText    string `gorm:"type:text"` // tokenized, capped
	MetricsJSON  string `gorm:"type:text"`
	TraceJSON    string `gorm:"type:text"` // tool-call trace
	EventsJSON   string `gorm:"type:text"` // security events
	StartedAt    time.Time
	FinishedAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (RunModel) TableName() string { return "sandbox_runs" }

// SkillModel is one version of a reusable skill.
type SkillModel struct {
	ID           string `gorm:"primaryKey;type:uuid"`
	DeploymentID string `gorm:"index:idx_skills_lookup"`
	Name         string `gorm:"index:idx_skills_lookup"`
	Version      int    `gorm:"index:idx_skills_lookup"`
	Language     string
	SourceCode   string `gorm:"type:text"`
	Status       string `gorm:"index"` // "pending", "approved", "rejected", "revoked"
	Active       bool
	Visibility   string
	OwnerEmail   string
	TeamID       string
	// ApprovalExpiresAt is denormalized from the latest approval so the
	// hot lookup avoids a join. Approvals lapse after 30 days.
	ApprovalExpiresAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (SkillModel) TableName() string { return "sandbox_skills" }

// SkillApprovalModel is the audit record of one review decision.
type SkillApprovalModel struct {
	ID              string `gorm:"primaryKey;type:uuid"`
	SkillID         string `gorm:"index"`
	Status          string // "approved" or "rejected"
	ReviewedBy      string
	ReviewedAt      time.Time
	RejectionReason string `gorm:"type:text"`
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

func (SkillApprovalModel) TableName() string { return "sandbox_skill_approvals" }

// ApprovalValidity is how long a skill approval lasts before it must be
// renewed.
const ApprovalValidity = 30 * 24 * time.Hour
