package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// ProspectStatus is the pipeline position of a prospect.
type ProspectStatus string

const (
	ProspectNew              ProspectStatus = "new"
	ProspectEnrolled         ProspectStatus = "enrolled"
	ProspectInterested       ProspectStatus = "interested"
	ProspectReplied          ProspectStatus = "replied"
	ProspectNurture          ProspectStatus = "nurture"
	ProspectOptedOut         ProspectStatus = "opted_out"
	ProspectSequenceComplete ProspectStatus = "sequence_complete"
	ProspectDisqualified     ProspectStatus = "disqualified"
	ProspectConverted        ProspectStatus = "converted"
)

// IsTerminal reports whether no further outreach may be drafted for the prospect.
func (s ProspectStatus) IsTerminal() bool {
	switch s {
	case ProspectOptedOut, ProspectDisqualified, ProspectConverted:
		return true
	}
	return false
}

func (s ProspectStatus) Valid() bool {
	switch s {
	case ProspectNew, ProspectEnrolled, ProspectInterested, ProspectReplied, ProspectNurture,
		ProspectOptedOut, ProspectSequenceComplete, ProspectDisqualified, ProspectConverted:
		return true
	}
	return false
}

// Prospect represents a sales target tracked through the pipeline
type Prospect struct {
	gorm.Model
	PillarID *uint `gorm:"index" json:"pillar_id"`

	// Identity
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `gorm:"index" json:"email"`
	Title       string `json:"title"`
	Company     string `json:"company"`
	Industry    string `json:"industry"`
	CompanySize string `json:"company_size"` // 1-10, 11-50, 51-200, 201-500, 501-1000, 1000+
	Location    string `json:"location"`
	ProfileURL  string `json:"profile_url"`

	// ChannelMemberID is the prospect's id on the messaging channel.
	ChannelMemberID string `gorm:"index" json:"channel_member_id"`

	// Scoring
	FitScore        int        `gorm:"default:0" json:"fit_score"`        // 0-50
	EngagementScore int        `gorm:"default:0" json:"engagement_score"` // 0-50
	LeadScore       int        `gorm:"default:0;index" json:"lead_score"` // 0-100
	LastScoredAt    *time.Time `json:"last_scored_at"`

	Status ProspectStatus `gorm:"default:'new';index" json:"status"`

	// Research
	ResearchBrief *ResearchBrief `gorm:"type:text;serializer:json" json:"research_brief,omitempty"`
	ResearchedAt  *time.Time     `json:"researched_at"`

	// Relations
	Pillar *Pillar `json:"pillar,omitempty"`
}

// FullName returns the display name used for matching and prompts.
func (p *Prospect) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// ResearchBrief is the AI-generated dossier stored with a prospect.
type ResearchBrief struct {
	Summary        string   `json:"summary"`
	Highlights     []string `json:"highlights"`
	PainPoints     []string `json:"pain_points"`
	MatchedSignals []string `json:"matched_signals"`
	FitRating      string   `json:"fit_rating"` // very high, high, medium, low
	Confidence     float64  `json:"confidence"`
}

// Pillar represents an ICP/service segment used for scoring and drafting
type Pillar struct {
	gorm.Model
	Name        string `gorm:"not null;uniqueIndex" json:"name"`
	Description string `gorm:"type:text" json:"description"`

	ICP               ICPCriteria        `gorm:"type:text;serializer:json" json:"icp"`
	MessagingAngles   []string           `gorm:"type:text;serializer:json" json:"messaging_angles"`
	ObjectionHandlers []ObjectionHandler `gorm:"type:text;serializer:json" json:"objection_handlers"`
	ValueProps        []string           `gorm:"type:text;serializer:json" json:"value_props"`
}

// ICPCriteria lists what a good-fit prospect looks like for a pillar.
type ICPCriteria struct {
	TitleKeywords []string `json:"title_keywords"`
	Industries    []string `json:"industries"`
	CompanySizes  []string `json:"company_sizes"`
	Signals       []string `json:"signals"`
}

// ObjectionHandler pairs a common objection with the scripted response.
type ObjectionHandler struct {
	Objection string `json:"objection"`
	Response  string `json:"response"`
}
