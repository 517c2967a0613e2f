package models

import (
	"time"

	"gorm.io/gorm"
)

// EnrollmentStatus is the lifecycle state of a prospect's run through a sequence.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentReplied   EnrollmentStatus = "replied"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// enrollmentTransitions lists every legal edge of the enrollment state
// machine. active -> active (step advance) is handled by the sender and is
// not a status change.
var enrollmentTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentActive:  {EnrollmentPaused, EnrollmentReplied, EnrollmentCompleted, EnrollmentCancelled},
	EnrollmentPaused:  {EnrollmentActive, EnrollmentCancelled},
	EnrollmentReplied: {EnrollmentCancelled, EnrollmentCompleted},
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s EnrollmentStatus) CanTransitionTo(next EnrollmentStatus) bool {
	for _, allowed := range enrollmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the enrollment can never change again.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentCancelled
}

func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentActive, EnrollmentPaused, EnrollmentReplied, EnrollmentCompleted, EnrollmentCancelled:
		return true
	}
	return false
}

// Enrollment is a prospect's live progress through a sequence.
// At most one active enrollment exists per (prospect, sequence).
type Enrollment struct {
	gorm.Model
	ProspectID uint `gorm:"not null;index;uniqueIndex:idx_active_enrollment,where:status = 'active'" json:"prospect_id"`
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_active_enrollment,where:status = 'active'" json:"sequence_id"`

	CurrentStep int              `gorm:"not null;default:1" json:"current_step"`
	Status      EnrollmentStatus `gorm:"not null;default:'active';index" json:"status"`
	NextFireAt  *time.Time       `gorm:"index" json:"next_fire_at"`

	// Failure tracking for auto-pause
	ErrorCount int     `gorm:"default:0" json:"error_count"`
	LastError  *string `json:"last_error"`

	EnrolledAt   time.Time  `json:"enrolled_at"`
	LastStepAt   *time.Time `json:"last_step_at"`
	PausedAt     *time.Time `json:"paused_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	CancelledAt  *time.Time `json:"cancelled_at"`
	StatusReason string     `json:"status_reason"`

	// Relations
	Prospect Prospect `json:"-"`
	Sequence Sequence `json:"-"`
}
