package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"leadpilot/models"
	"leadpilot/utils"
)

type drafterFixture struct {
	db         *gorm.DB
	pub        *recordingPublisher
	completer  *fakeCompleter
	drafter    *Drafter
	prospect   *models.Prospect
	sequence   *models.Sequence
	enrollment *models.Enrollment
}

func newDrafterFixture(t *testing.T, reply string) *drafterFixture {
	t.Helper()
	db := newTestDB(t)
	pub := &recordingPublisher{}
	completer := staticCompleter(reply)
	d := NewDrafter(db, completer, pub, DrafterOptions{})
	d.now = newClock().Now

	pillar := seedPillar(t, db)
	prospect := seedProspect(t, db, pillar)
	seq := seedSequence(t, db, models.ChannelLinkedIn, 0, 48, 72)
	enrollment := &models.Enrollment{
		ProspectID:  prospect.ID,
		SequenceID:  seq.ID,
		CurrentStep: 1,
		Status:      models.EnrollmentActive,
		NextFireAt:  utils.Pointer(baseTime),
		EnrolledAt:  baseTime,
	}
	require.NoError(t, db.Create(enrollment).Error)

	return &drafterFixture{db: db, pub: pub, completer: completer, drafter: d, prospect: prospect, sequence: seq, enrollment: enrollment}
}

func TestDraftStepQueuesApproval(t *testing.T) {
	f := newDrafterFixture(t, `"Hi Dana, saw Acme is hiring SDRs. Curious how you keep the CRM clean while scaling?"`)

	approval, err := f.drafter.DraftStep(context.Background(), f.enrollment.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalPending, approval.Status)
	assert.Equal(t, models.ApprovalKindSequenceStep, approval.Kind)
	assert.Equal(t, "Dana Whitfield", approval.ProspectSnapshot.FullName)
	assert.Equal(t, 1, approval.ProspectSnapshot.StepNumber)
	assert.Equal(t, f.sequence.ID, approval.ProspectSnapshot.SequenceID)

	msg := reload[models.Message](t, f.db, approval.MessageID)
	assert.Equal(t, models.MessagePendingApproval, msg.Status)
	assert.Equal(t, models.DirectionOutbound, msg.Direction)
	assert.Equal(t, 1, msg.StepNumber)
	assert.False(t, strings.HasPrefix(msg.Body, `"`), "wrapping quotes are stripped")
	assert.Equal(t, msg.Body, approval.OriginalBody)
	assert.Equal(t, []string{"draft.created"}, f.pub.Types())

	req := f.completer.lastRequest()
	assert.Equal(t, "draft_step", req.Purpose)
	assert.Contains(t, req.System, "at most 300 characters")
	assert.Contains(t, req.Prompt, "## Task: step 1 of 3")
	assert.Contains(t, req.Prompt, "first-touch")
}

func TestDraftStepRefusesWhileDraftOutstanding(t *testing.T) {
	f := newDrafterFixture(t, "Hi Dana, quick question about your pipeline.")
	ctx := context.Background()

	first, err := f.drafter.DraftStep(ctx, f.enrollment.ID)
	require.NoError(t, err)

	_, err = f.drafter.DraftStep(ctx, f.enrollment.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDraftOutstanding))
	assert.True(t, utils.IsKind(err, utils.KindConflict))

	// a rejected draft frees the step for a new one
	queue := NewApprovalQueue(f.db, nil)
	_, err = queue.Reject(ctx, first.ID, "too generic")
	require.NoError(t, err)

	second, err := f.drafter.DraftStep(ctx, f.enrollment.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDraftStepRequiresActiveEnrollment(t *testing.T) {
	f := newDrafterFixture(t, "Hello")
	require.NoError(t, f.db.Model(f.enrollment).Update("status", models.EnrollmentPaused).Error)

	_, err := f.drafter.DraftStep(context.Background(), f.enrollment.ID)
	assert.True(t, utils.IsKind(err, utils.KindConflict))

	_, err = f.drafter.DraftStep(context.Background(), 999)
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
}

func TestDraftStepUsesTemplate(t *testing.T) {
	f := newDrafterFixture(t, "Hi Dana")
	require.NoError(t, f.db.Create(&models.Template{
		SequenceID:     f.sequence.ID,
		StepNumber:     1,
		Name:           "opener",
		Subject:        "{{company}} pipeline",
		Body:           "Hi {{first_name}}, noticed {{company}} is growing.",
		AIInstructions: "Mention their hiring.",
		IsActive:       true,
	}).Error)

	approval, err := f.drafter.DraftStep(context.Background(), f.enrollment.ID)
	require.NoError(t, err)

	prompt := f.completer.lastRequest().Prompt
	assert.Contains(t, prompt, "Hi Dana, noticed Acme is growing.")
	assert.Contains(t, prompt, "Instructions: Mention their hiring.")
	assert.NotContains(t, prompt, "first-touch")
	assert.Equal(t, "Acme pipeline", reload[models.Message](t, f.db, approval.MessageID).Subject)
}

func TestDraftStepAIFailureCreatesNothing(t *testing.T) {
	f := newDrafterFixture(t, "")
	f.drafter.completer = failingCompleter(utils.KindTimeout)

	_, err := f.drafter.DraftStep(context.Background(), f.enrollment.ID)
	assert.True(t, utils.IsKind(err, utils.KindTimeout))

	var messages, approvals int64
	f.db.Model(&models.Message{}).Count(&messages)
	f.db.Model(&models.Approval{}).Count(&approvals)
	assert.Zero(t, messages)
	assert.Zero(t, approvals)
}

func TestDraftStepEmptyOutputIsAnError(t *testing.T) {
	f := newDrafterFixture(t, `  ""  `)
	_, err := f.drafter.DraftStep(context.Background(), f.enrollment.ID)
	assert.Error(t, err)
}

func TestDraftReply(t *testing.T) {
	f := newDrafterFixture(t, "Happy to. Does Tuesday or Thursday work?")
	inbound := models.Message{
		ProspectID:       &f.prospect.ID,
		Direction:        models.DirectionInbound,
		Channel:          models.ChannelEmail,
		Status:           models.MessageReceived,
		Subject:          "Re: Quick question about Acme",
		Body:             "Sounds good, what does onboarding look like?",
		ExternalID:       utils.Pointer("<abc@mail>"),
		ExternalThreadID: "<sent@leadpilot>",
		Intent:           utils.Pointer(models.IntentQuestion),
	}
	require.NoError(t, f.db.Create(&inbound).Error)

	approval, err := f.drafter.DraftReply(context.Background(), inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalKindReply, approval.Kind)
	require.NotNil(t, approval.EnrollmentID)
	assert.Equal(t, f.enrollment.ID, *approval.EnrollmentID)

	msg := reload[models.Message](t, f.db, approval.MessageID)
	assert.Equal(t, "Re: Quick question about Acme", msg.Subject)
	assert.Equal(t, "<sent@leadpilot>", msg.ExternalThreadID)
	assert.Equal(t, models.ChannelEmail, msg.Channel)

	prompt := f.completer.lastRequest().Prompt
	assert.Contains(t, prompt, "## Reply to")
	assert.Contains(t, prompt, "Classified intent: question")
	assert.Contains(t, prompt, `If they say "already have a tool"`)
}

func TestDraftReplyRejectsOutboundAndOptedOut(t *testing.T) {
	f := newDrafterFixture(t, "ok")
	ctx := context.Background()

	outbound := models.Message{ProspectID: &f.prospect.ID, Direction: models.DirectionOutbound, Channel: models.ChannelLinkedIn, Status: models.MessageSent}
	require.NoError(t, f.db.Create(&outbound).Error)
	_, err := f.drafter.DraftReply(ctx, outbound.ID)
	assert.True(t, utils.IsKind(err, utils.KindValidation))

	inbound := models.Message{ProspectID: &f.prospect.ID, Direction: models.DirectionInbound, Channel: models.ChannelLinkedIn, Status: models.MessageReceived, Body: "stop"}
	require.NoError(t, f.db.Create(&inbound).Error)
	require.NoError(t, f.db.Model(f.prospect).Update("status", models.ProspectOptedOut).Error)
	_, err = f.drafter.DraftReply(ctx, inbound.ID)
	assert.True(t, utils.IsKind(err, utils.KindConflict))
}

func TestBuildPromptLayers(t *testing.T) {
	d := NewDrafter(nil, nil, nil, DrafterOptions{EmailMaxWords: 90})
	prospect := &models.Prospect{
		FirstName: "Dana", LastName: "Whitfield", Title: "VP Sales", Company: "Acme",
		ResearchBrief: &models.ResearchBrief{Summary: "Series B, hiring SDRs", PainPoints: []string{"messy CRM"}},
	}
	pillar := &models.Pillar{Name: "RevOps", ValueProps: []string{"clean pipeline"}}
	history := []models.Message{
		{Direction: models.DirectionOutbound, Body: "Hi Dana"},
		{Direction: models.DirectionInbound, Body: "Hey, who are you?"},
	}

	prompt := d.BuildPrompt(PromptInput{
		Prospect: prospect, Pillar: pillar, Channel: models.ChannelEmail,
		StepNumber: 3, TotalSteps: 3, History: history,
	})

	sections := []string{"## Prospect", "## Offer: RevOps", "## Research", "## Conversation so far", "## Task: step 3 of 3"}
	last := -1
	for _, s := range sections {
		i := strings.Index(prompt, s)
		require.GreaterOrEqual(t, i, 0, "missing %q", s)
		assert.Greater(t, i, last, "%q out of order", s)
		last = i
	}
	assert.Contains(t, prompt, "- Value props: clean pipeline")
	assert.Contains(t, prompt, "- Likely pain points: messy CRM")
	assert.Contains(t, prompt, "You: Hi Dana")
	assert.Contains(t, prompt, "Dana: Hey, who are you?")
	assert.Contains(t, prompt, "breakup")
	assert.Contains(t, prompt, "at most 90 words")
}

func TestStripWrappingQuotes(t *testing.T) {
	tests := map[string]string{
		`"Hello there"`:        "Hello there",
		`  'Hello'  `:          "Hello",
		"“Curly quotes”":       "Curly quotes",
		`"'Nested'"`:           "Nested",
		`"Hi" and "bye"`:       `"Hi" and "bye"`,
		`Plain text`:           "Plain text",
		`"unbalanced`:          `"unbalanced`,
		`"`:                    `"`,
		"`Backticks`":          "Backticks",
		`"She said 'ok' then"`: "She said 'ok' then",
	}
	for in, want := range tests {
		assert.Equal(t, want, StripWrappingQuotes(in), "input %q", in)
	}
}

func TestTruncateAtWord(t *testing.T) {
	assert.Equal(t, "short", truncateAtWord("short", 300))
	assert.Equal(t, "one two", truncateAtWord("one two three", 10))
	long := strings.Repeat("word ", 100)
	assert.LessOrEqual(t, len([]rune(truncateAtWord(long, 300))), 300)
}
