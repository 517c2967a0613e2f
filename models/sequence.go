package models

import (
	"time"

	"gorm.io/gorm"
)

// Channel identifies the transport a sequence or message travels over.
type Channel string

const (
	ChannelLinkedIn Channel = "linkedin"
	ChannelEmail    Channel = "email"
)

func (c Channel) Valid() bool {
	return c == ChannelLinkedIn || c == ChannelEmail
}

// Sequence represents an ordered multi-step outreach cadence
type Sequence struct {
	gorm.Model
	PillarID *uint `gorm:"index" json:"pillar_id"`

	Name        string  `gorm:"not null" json:"name"`
	Description string  `json:"description"`
	Channel     Channel `gorm:"not null;default:'linkedin'" json:"channel"`
	Status      string  `gorm:"default:'active'" json:"status"` // draft, active, archived

	// DefaultDelayHours applies to steps with no delay of their own.
	DefaultDelayHours int `gorm:"default:72" json:"default_delay_hours"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// TotalSteps is the number of configured steps.
func (s *Sequence) TotalSteps() int {
	return len(s.Steps)
}

// Step returns the configured step with the given number, if any.
func (s *Sequence) Step(number int) *SequenceStep {
	for i := range s.Steps {
		if s.Steps[i].StepNumber == number {
			return &s.Steps[i]
		}
	}
	return nil
}

// StepDelay is the wait before the given step fires. Steps without a
// configured delay fall back to the sequence default, then to fallback.
func (s *Sequence) StepDelay(number int, fallback time.Duration) time.Duration {
	if step := s.Step(number); step != nil && step.DelayHours != nil {
		return time.Duration(*step.DelayHours) * time.Hour
	}
	if s.DefaultDelayHours > 0 {
		return time.Duration(s.DefaultDelayHours) * time.Hour
	}
	return fallback
}

// SequenceStep represents one step in a sequence
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;uniqueIndex:idx_sequence_step" json:"sequence_id"`
	StepNumber int  `gorm:"not null;uniqueIndex:idx_sequence_step" json:"step_number"`

	Name string `json:"name"` // connection_note, follow_up, breakup, ...

	// DelayHours is the wait between the previous send and this step.
	DelayHours *int `json:"delay_hours"`
}

// Template is the per-step message skeleton used by the drafter
type Template struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index:idx_template_step" json:"sequence_id"`
	StepNumber int  `gorm:"not null;index:idx_template_step" json:"step_number"`

	Name           string `gorm:"not null" json:"name"`
	Subject        string `json:"subject"`
	Body           string `gorm:"type:text" json:"body"`
	AIInstructions string `gorm:"type:text" json:"ai_instructions"`
	IsActive       bool   `gorm:"default:true" json:"is_active"`
}
