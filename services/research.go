package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"leadpilot/ai"
	"leadpilot/models"
	"leadpilot/utils"
)

const researchSystemPrompt = `You are a B2B sales researcher. Given a prospect and the ideal customer profile
they are being evaluated against, write a short research brief. Answer with a JSON
object with the keys: summary (string), highlights (array of strings), pain_points
(array of strings), matched_signals (array of strings taken from the profile's
signals), fit_rating (one of "very high", "high", "medium", "low") and confidence
(number between 0 and 1).`

// Researcher produces AI research briefs for prospects.
type Researcher struct {
	db            *gorm.DB
	completer     ai.Completer
	scorer        *Scorer
	maxConcurrent int
	now           func() time.Time
	log           *logrus.Entry
}

func NewResearcher(db *gorm.DB, completer ai.Completer, scorer *Scorer, maxConcurrent int) *Researcher {
	if maxConcurrent < 1 {
		maxConcurrent = 3
	}
	return &Researcher{
		db:            db,
		completer:     completer,
		scorer:        scorer,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
		log:           utils.Logger("research"),
	}
}

// ResearchResult counts a research batch and keeps the per-prospect errors.
type ResearchResult struct {
	BatchResult
	Errors map[uint]string `json:"errors,omitempty"`
}

// BatchResearch researches every prospect with at most maxConcurrent AI
// calls outstanding. One prospect failing never cancels the others.
func (r *Researcher) BatchResearch(ctx context.Context, prospectIDs []uint, maxConcurrent int) ResearchResult {
	if maxConcurrent < 1 {
		maxConcurrent = r.maxConcurrent
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	result := ResearchResult{Errors: make(map[uint]string)}
	var mu sync.Mutex

	var g errgroup.Group
	for _, id := range prospectIDs {
		id := id
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Processed++
			result.Failed++
			result.Errors[id] = err.Error()
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			_, err := r.Research(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			if err != nil {
				result.Failed++
				result.Errors[id] = err.Error()
				return nil
			}
			result.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	r.log.WithFields(logrus.Fields{
		"requested":      len(prospectIDs),
		"succeeded":      result.Succeeded,
		"failed":         result.Failed,
		"max_concurrent": maxConcurrent,
	}).Info("Batch research finished")
	return result
}

// Research builds and stores a brief for one prospect, then rescores it.
func (r *Researcher) Research(ctx context.Context, prospectID uint) (*models.ResearchBrief, error) {
	const op = "research.prospect"

	var prospect models.Prospect
	if err := r.db.WithContext(ctx).Preload("Pillar").First(&prospect, prospectID).Error; err != nil {
		return nil, asAppError(op, notFoundOr(op, "prospect", err))
	}

	resp, err := r.completer.Complete(ctx, ai.Request{
		Purpose:     "research",
		System:      researchSystemPrompt,
		Prompt:      researchPrompt(&prospect),
		JSONMode:    true,
		MaxTokens:   800,
		Temperature: 0.3,
		ProspectID:  &prospect.ID,
	})
	if err != nil {
		return nil, err
	}

	var brief models.ResearchBrief
	if err := ai.DecodeJSON(resp.Text, &brief); err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, fmt.Errorf("decode research brief: %w", err))
	}
	brief.Confidence = clampFloat(brief.Confidence, 0, 1)

	prospect.ResearchBrief = &brief
	prospect.ResearchedAt = utils.Pointer(r.now())
	if err := r.db.WithContext(ctx).Model(&prospect).
		Select("research_brief", "researched_at").
		Updates(&prospect).Error; err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}

	if r.scorer != nil {
		if _, err := r.scorer.Recalculate(ctx, prospect.ID, models.ReasonResearch); err != nil {
			r.log.WithError(err).WithField("prospect_id", prospect.ID).Warn("Rescore after research failed")
		}
	}
	return &brief, nil
}

func researchPrompt(p *models.Prospect) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prospect: %s\n", p.FullName())
	fmt.Fprintf(&b, "Title: %s\nCompany: %s\nIndustry: %s\nCompany size: %s\nLocation: %s\n",
		p.Title, p.Company, p.Industry, p.CompanySize, p.Location)
	if p.ProfileURL != "" {
		fmt.Fprintf(&b, "Profile: %s\n", p.ProfileURL)
	}
	if p.Pillar != nil {
		icp := p.Pillar.ICP
		fmt.Fprintf(&b, "\nIdeal customer profile (%s):\n", p.Pillar.Name)
		writeList(&b, "Target titles", icp.TitleKeywords)
		writeList(&b, "Industries", icp.Industries)
		writeList(&b, "Company sizes", icp.CompanySizes)
		writeList(&b, "Signals", icp.Signals)
	}
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, strings.Join(items, ", "))
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
