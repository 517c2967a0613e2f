package models

import (
	"time"

	"gorm.io/gorm"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalEdited   ApprovalStatus = "edited"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Cleared reports whether the approval permits sending.
func (s ApprovalStatus) Cleared() bool {
	return s == ApprovalApproved || s == ApprovalEdited
}

type ApprovalKind string

const (
	ApprovalKindSequenceStep ApprovalKind = "sequence_step"
	ApprovalKindReply        ApprovalKind = "reply"
)

// Approval is the human review gate for an AI-drafted message.
// Only pending approvals may transition.
type Approval struct {
	gorm.Model
	MessageID    uint  `gorm:"not null;uniqueIndex" json:"message_id"`
	ProspectID   uint  `gorm:"not null;index" json:"prospect_id"`
	EnrollmentID *uint `gorm:"index" json:"enrollment_id"`

	Kind   ApprovalKind   `gorm:"not null;default:'sequence_step'" json:"kind"`
	Status ApprovalStatus `gorm:"not null;default:'pending';index" json:"status"`

	// Snapshot of the prospect at draft time, kept for audit.
	ProspectSnapshot ProspectSnapshot `gorm:"type:text;serializer:json" json:"prospect_snapshot"`
	OriginalBody     string           `gorm:"type:text" json:"original_body"`

	SubmittedAt   time.Time  `gorm:"not null;index" json:"submitted_at"`
	ReviewedAt    *time.Time `gorm:"index" json:"reviewed_at"`
	ReviewerNotes string     `gorm:"type:text" json:"reviewer_notes"`

	// Relations
	Message  Message  `json:"message"`
	Prospect Prospect `json:"-"`
}

// ProspectSnapshot freezes what the reviewer saw when the draft was made.
type ProspectSnapshot struct {
	ProspectID uint           `json:"prospect_id"`
	FullName   string         `json:"full_name"`
	Title      string         `json:"title"`
	Company    string         `json:"company"`
	Industry   string         `json:"industry"`
	PillarName string         `json:"pillar_name,omitempty"`
	Status     ProspectStatus `json:"status"`
	LeadScore  int            `json:"lead_score"`
	StepNumber int            `json:"step_number"`
	SequenceID uint           `json:"sequence_id,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// NewProspectSnapshot captures the fields shown in the review queue.
func NewProspectSnapshot(p *Prospect, stepNumber int, sequenceID uint, now time.Time) ProspectSnapshot {
	snap := ProspectSnapshot{
		ProspectID: p.ID,
		FullName:   p.FullName(),
		Title:      p.Title,
		Company:    p.Company,
		Industry:   p.Industry,
		Status:     p.Status,
		LeadScore:  p.LeadScore,
		StepNumber: stepNumber,
		SequenceID: sequenceID,
		CapturedAt: now,
	}
	if p.Pillar != nil {
		snap.PillarName = p.Pillar.Name
	}
	if p.ResearchBrief != nil {
		snap.Summary = p.ResearchBrief.Summary
	}
	return snap
}
