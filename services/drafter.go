package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadpilot/ai"
	"leadpilot/events"
	"leadpilot/models"
	"leadpilot/utils"
)

// ErrDraftOutstanding means the step already has a draft waiting for review
// or delivery.
var ErrDraftOutstanding = errors.New("a draft for this step is already outstanding")

// outstandingStatuses are the message states that still hold a step open.
var outstandingStatuses = []models.MessageStatus{models.MessagePendingApproval, models.MessageApproved, models.MessageEdited}

const defaultPersona = `You write short, personal B2B outreach messages on behalf of a founder.
You sound like a thoughtful human, never like a marketer. No buzzwords, no exclamation
marks, no emojis, no placeholders. Output only the message text.`

// DrafterOptions tunes prompt construction.
type DrafterOptions struct {
	Persona         string
	HistoryTurns    int
	LinkedInMaxChar int
	EmailMaxWords   int
}

// Drafter turns due steps and inbound replies into messages awaiting approval.
type Drafter struct {
	db        *gorm.DB
	completer ai.Completer
	events    events.Publisher
	opts      DrafterOptions
	now       func() time.Time
	log       *logrus.Entry
}

func NewDrafter(db *gorm.DB, completer ai.Completer, publisher events.Publisher, opts DrafterOptions) *Drafter {
	if opts.Persona == "" {
		opts.Persona = defaultPersona
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 6
	}
	if opts.LinkedInMaxChar <= 0 {
		opts.LinkedInMaxChar = 300
	}
	if opts.EmailMaxWords <= 0 {
		opts.EmailMaxWords = 150
	}
	return &Drafter{
		db:        db,
		completer: completer,
		events:    publisher,
		opts:      opts,
		now:       time.Now,
		log:       utils.Logger("drafter"),
	}
}

// PromptInput is everything a draft prompt is layered from.
type PromptInput struct {
	Prospect   *models.Prospect
	Pillar     *models.Pillar
	Channel    models.Channel
	StepNumber int
	TotalSteps int
	Template   *models.Template
	History    []models.Message

	// reply drafts only
	Inbound *models.Message
}

// DraftStep drafts the current step of an active enrollment.
func (d *Drafter) DraftStep(ctx context.Context, enrollmentID uint) (*models.Approval, error) {
	const op = "drafter.step"
	db := d.db.WithContext(ctx)

	var enrollment models.Enrollment
	if err := db.Preload("Prospect.Pillar").Preload("Sequence.Steps").First(&enrollment, enrollmentID).Error; err != nil {
		return nil, asAppError(op, notFoundOr(op, "enrollment", err))
	}
	if enrollment.Status != models.EnrollmentActive {
		return nil, utils.Conflict(op, fmt.Sprintf("enrollment %d is %s", enrollment.ID, enrollment.Status))
	}
	if total := enrollment.Sequence.TotalSteps(); enrollment.CurrentStep > total {
		return nil, utils.Conflict(op, fmt.Sprintf("enrollment %d has no step %d", enrollment.ID, enrollment.CurrentStep))
	}

	var outstanding int64
	if err := db.Model(&models.Approval{}).
		Joins("JOIN messages ON messages.id = approvals.message_id").
		Where("approvals.enrollment_id = ? AND approvals.kind = ? AND messages.step_number = ?",
			enrollment.ID, models.ApprovalKindSequenceStep, enrollment.CurrentStep).
		Where("messages.status IN ?", outstandingStatuses).
		Count(&outstanding).Error; err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}
	if outstanding > 0 {
		return nil, utils.WrapError(utils.KindConflict, op, ErrDraftOutstanding)
	}

	template, err := d.templateFor(db, enrollment.SequenceID, enrollment.CurrentStep)
	if err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}
	history, err := d.history(db, enrollment.ProspectID)
	if err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}

	prospect := &enrollment.Prospect
	in := PromptInput{
		Prospect:   prospect,
		Pillar:     prospect.Pillar,
		Channel:    enrollment.Sequence.Channel,
		StepNumber: enrollment.CurrentStep,
		TotalSteps: enrollment.Sequence.TotalSteps(),
		Template:   template,
		History:    history,
	}
	body, err := d.generate(ctx, "draft_step", in)
	if err != nil {
		return nil, err
	}

	msg := models.Message{
		ProspectID:   &prospect.ID,
		EnrollmentID: &enrollment.ID,
		Direction:    models.DirectionOutbound,
		Channel:      in.Channel,
		Status:       models.MessagePendingApproval,
		StepNumber:   enrollment.CurrentStep,
		Subject:      subjectFor(template, prospect, enrollment.CurrentStep),
		Body:         body,
	}
	return d.persist(ctx, op, &msg, prospect, &enrollment.ID, models.ApprovalKindSequenceStep, enrollment.SequenceID)
}

// DraftReply drafts an answer to a specific inbound message.
func (d *Drafter) DraftReply(ctx context.Context, inboundID uint) (*models.Approval, error) {
	const op = "drafter.reply"
	db := d.db.WithContext(ctx)

	var inbound models.Message
	if err := db.First(&inbound, inboundID).Error; err != nil {
		return nil, asAppError(op, notFoundOr(op, "message", err))
	}
	if inbound.Direction != models.DirectionInbound {
		return nil, utils.NewError(utils.KindValidation, op, "replies can only be drafted for inbound messages")
	}
	if inbound.ProspectID == nil {
		return nil, utils.NewError(utils.KindValidation, op, "inbound message is not linked to a prospect")
	}

	var prospect models.Prospect
	if err := db.Preload("Pillar").First(&prospect, *inbound.ProspectID).Error; err != nil {
		return nil, asAppError(op, notFoundOr(op, "prospect", err))
	}
	if prospect.Status == models.ProspectOptedOut {
		return nil, utils.Conflict(op, "prospect has opted out")
	}

	var enrollment models.Enrollment
	var enrollmentID *uint
	var sequenceID uint
	step := 0
	err := db.Preload("Sequence.Steps").
		Where("prospect_id = ? AND status IN ?", prospect.ID, []models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentReplied, models.EnrollmentPaused}).
		Order("updated_at DESC").
		First(&enrollment).Error
	switch {
	case err == nil:
		enrollmentID = &enrollment.ID
		sequenceID = enrollment.SequenceID
		step = enrollment.CurrentStep
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}

	history, err := d.history(db, prospect.ID)
	if err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}

	in := PromptInput{
		Prospect:   &prospect,
		Pillar:     prospect.Pillar,
		Channel:    inbound.Channel,
		StepNumber: step,
		TotalSteps: enrollment.Sequence.TotalSteps(),
		History:    history,
		Inbound:    &inbound,
	}
	body, err := d.generate(ctx, "draft_reply", in)
	if err != nil {
		return nil, err
	}

	subject := ""
	if inbound.Subject != "" && inbound.Channel == models.ChannelEmail {
		subject = "Re: " + strings.TrimPrefix(inbound.Subject, "Re: ")
	}
	msg := models.Message{
		ProspectID:       &prospect.ID,
		EnrollmentID:     enrollmentID,
		ThreadID:         inbound.ThreadID,
		ExternalThreadID: inbound.ExternalThreadID,
		Direction:        models.DirectionOutbound,
		Channel:          inbound.Channel,
		Status:           models.MessagePendingApproval,
		StepNumber:       step,
		Subject:          subject,
		Body:             body,
	}
	return d.persist(ctx, op, &msg, &prospect, enrollmentID, models.ApprovalKindReply, sequenceID)
}

func (d *Drafter) generate(ctx context.Context, purpose string, in PromptInput) (string, error) {
	resp, err := d.completer.Complete(ctx, ai.Request{
		Purpose:     purpose,
		System:      d.SystemPrompt(in.Channel),
		Prompt:      d.BuildPrompt(in),
		MaxTokens:   600,
		Temperature: 0.7,
		ProspectID:  &in.Prospect.ID,
	})
	if err != nil {
		return "", err
	}
	body := StripWrappingQuotes(resp.Text)
	if body == "" {
		return "", utils.NewError(utils.KindInternal, "drafter."+purpose, "AI returned an empty draft")
	}
	if in.Channel == models.ChannelLinkedIn {
		body = truncateAtWord(body, d.opts.LinkedInMaxChar)
	}
	return body, nil
}

// persist creates the message and its approval in one transaction.
func (d *Drafter) persist(ctx context.Context, op string, msg *models.Message, prospect *models.Prospect, enrollmentID *uint, kind models.ApprovalKind, sequenceID uint) (*models.Approval, error) {
	now := d.now()
	approval := models.Approval{
		ProspectID:       prospect.ID,
		EnrollmentID:     enrollmentID,
		Kind:             kind,
		Status:           models.ApprovalPending,
		ProspectSnapshot: models.NewProspectSnapshot(prospect, msg.StepNumber, sequenceID, now),
		OriginalBody:     msg.Body,
		SubmittedAt:      now,
	}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		approval.MessageID = msg.ID
		return tx.Omit("Message", "Prospect").Create(&approval).Error
	})
	if err != nil {
		return nil, utils.WrapError(utils.KindInternal, op, err)
	}
	approval.Message = *msg

	d.log.WithFields(logrus.Fields{
		"approval_id": approval.ID,
		"message_id":  msg.ID,
		"prospect_id": prospect.ID,
		"kind":        kind,
		"step":        msg.StepNumber,
	}).Info("Draft queued for approval")
	if d.events != nil {
		d.events.Publish(events.TypeDraftCreated, map[string]interface{}{
			"approval_id": approval.ID,
			"message_id":  msg.ID,
			"prospect_id": prospect.ID,
			"kind":        kind,
			"step":        msg.StepNumber,
			"channel":     msg.Channel,
		})
	}
	return &approval, nil
}

func (d *Drafter) templateFor(db *gorm.DB, sequenceID uint, step int) (*models.Template, error) {
	var tmpl models.Template
	err := db.Where("sequence_id = ? AND step_number = ? AND is_active = ?", sequenceID, step, true).
		Order("updated_at DESC").
		First(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// history returns the last N delivered turns, oldest first.
func (d *Drafter) history(db *gorm.DB, prospectID uint) ([]models.Message, error) {
	var msgs []models.Message
	err := db.Where("prospect_id = ? AND status IN ?", prospectID, []models.MessageStatus{models.MessageSent, models.MessageReceived}).
		Order("created_at DESC, id DESC").
		Limit(d.opts.HistoryTurns).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SystemPrompt is the persona plus the channel's length rule.
func (d *Drafter) SystemPrompt(channel models.Channel) string {
	return d.opts.Persona + "\n\n" + d.lengthRule(channel)
}

func (d *Drafter) lengthRule(channel models.Channel) string {
	if channel == models.ChannelEmail {
		return fmt.Sprintf("Length: plain-text email body of at most %d words. Do not include a subject line or signature.", d.opts.EmailMaxWords)
	}
	return fmt.Sprintf("Length: a LinkedIn message of at most %d characters, including spaces.", d.opts.LinkedInMaxChar)
}

// BuildPrompt layers pillar, research, step and conversation context.
func (d *Drafter) BuildPrompt(in PromptInput) string {
	var b strings.Builder
	p := in.Prospect

	b.WriteString("## Prospect\n")
	fmt.Fprintf(&b, "Name: %s\n", p.FullName())
	if p.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", p.Title)
	}
	if p.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", p.Company)
	}
	if p.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", p.Industry)
	}

	if pillar := in.Pillar; pillar != nil {
		fmt.Fprintf(&b, "\n## Offer: %s\n", pillar.Name)
		if pillar.Description != "" {
			b.WriteString(pillar.Description + "\n")
		}
		writeList(&b, "Value props", pillar.ValueProps)
		writeList(&b, "Messaging angles", pillar.MessagingAngles)
	}

	if brief := p.ResearchBrief; brief != nil {
		b.WriteString("\n## Research\n")
		if brief.Summary != "" {
			b.WriteString(brief.Summary + "\n")
		}
		writeList(&b, "Highlights", brief.Highlights)
		writeList(&b, "Likely pain points", brief.PainPoints)
	}

	if len(in.History) > 0 {
		b.WriteString("\n## Conversation so far\n")
		for _, m := range in.History {
			who := "You"
			if m.Direction == models.DirectionInbound {
				who = p.FirstName
				if who == "" {
					who = "Them"
				}
			}
			fmt.Fprintf(&b, "%s: %s\n", who, strings.TrimSpace(m.Body))
		}
	}

	if in.Inbound != nil {
		b.WriteString("\n## Reply to\n")
		b.WriteString(strings.TrimSpace(in.Inbound.Body) + "\n")
		intent := models.IntentUnknown
		if in.Inbound.Intent != nil {
			intent = *in.Inbound.Intent
		}
		fmt.Fprintf(&b, "Classified intent: %s\n", intent)
		b.WriteString(replyGuidance(intent) + "\n")
		if in.Pillar != nil && len(in.Pillar.ObjectionHandlers) > 0 {
			b.WriteString("\nObjection handling scripts:\n")
			for _, h := range in.Pillar.ObjectionHandlers {
				fmt.Fprintf(&b, "- If they say %q: %s\n", h.Objection, h.Response)
			}
		}
	} else {
		fmt.Fprintf(&b, "\n## Task: step %d of %d\n", in.StepNumber, in.TotalSteps)
		if in.Template != nil {
			if body := renderPlaceholders(in.Template.Body, p); body != "" {
				b.WriteString("Follow this skeleton, adapting it to the prospect:\n")
				b.WriteString(body + "\n")
			}
			if in.Template.AIInstructions != "" {
				b.WriteString("Instructions: " + in.Template.AIInstructions + "\n")
			}
		} else {
			b.WriteString(stepHeuristic(in.StepNumber, in.TotalSteps) + "\n")
		}
	}

	b.WriteString("\n" + d.lengthRule(in.Channel) + "\n")
	return b.String()
}

// stepHeuristic stands in for a missing template.
func stepHeuristic(step, total int) string {
	switch {
	case step <= 1:
		return "Write a first-touch connection message. Reference one specific detail about them, say why you are reaching out, and do not pitch."
	case total > 0 && step >= total:
		return "Write a brief, gracious breakup message. Acknowledge they are busy, leave the door open, and ask nothing of them."
	case step == 2:
		return "Write a follow-up that adds value: one relevant insight tied to their likely pain points, then a soft question."
	default:
		return "Write a short follow-up with a concrete example or result from a similar company, ending with a low-friction call to action."
	}
}

func replyGuidance(intent models.Intent) string {
	switch intent {
	case models.IntentInterested:
		return "They are interested. Thank them and propose two concrete times for a short call."
	case models.IntentQuestion:
		return "Answer their question directly and briefly, then offer a short call if useful."
	case models.IntentReferral:
		return "Thank them for the referral and ask for the best way to reach the person they mentioned."
	case models.IntentObjection:
		return "Acknowledge the objection without arguing and use the matching script below if one applies."
	case models.IntentNotNow:
		return "Respect the timing. Ask when would be a better time to reconnect."
	default:
		return "Respond naturally and keep the conversation going."
	}
}

func subjectFor(tmpl *models.Template, p *models.Prospect, step int) string {
	if tmpl != nil && tmpl.Subject != "" {
		return renderPlaceholders(tmpl.Subject, p)
	}
	if step > 1 {
		return "Following up"
	}
	if p.Company != "" {
		return "Quick question about " + p.Company
	}
	return "Quick question"
}

func renderPlaceholders(text string, p *models.Prospect) string {
	return strings.NewReplacer(
		"{{first_name}}", p.FirstName,
		"{{last_name}}", p.LastName,
		"{{company}}", p.Company,
		"{{title}}", p.Title,
	).Replace(text)
}

var quotePairs = map[rune]rune{'"': '"', '\'': '\'', '`': '`', '“': '”', '‘': '’', '«': '»'}

// StripWrappingQuotes removes quotes the model wrapped the whole draft in.
func StripWrappingQuotes(text string) string {
	text = strings.TrimSpace(text)
	for {
		runes := []rune(text)
		if len(runes) < 2 {
			return text
		}
		closing, ok := quotePairs[runes[0]]
		if !ok || runes[len(runes)-1] != closing {
			return text
		}
		inner := strings.TrimSpace(string(runes[1 : len(runes)-1]))
		// "Hi" and "bye" must not become Hi" and "bye
		if strings.ContainsRune(inner, runes[0]) && runes[0] == closing {
			return text
		}
		text = inner
	}
}

func truncateAtWord(text string, max int) string {
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	cut := string(runes[:max])
	if i := strings.LastIndexAny(cut, " \n"); i > max/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
