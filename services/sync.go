package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadpilot/channel"
	"leadpilot/events"
	"leadpilot/models"
	"leadpilot/utils"
)

// syncOverlap re-reads a little before the last sync so clock skew between
// us and the channel never loses a message. Duplicates are absorbed by the
// external id index.
const syncOverlap = time.Minute

// ChannelReader is the read side of the channel client.
type ChannelReader interface {
	FetchConversations(ctx context.Context, limit int) ([]channel.Conversation, error)
	FetchMessages(ctx context.Context, threadID string, since time.Time) ([]channel.Message, error)
	MarkRead(ctx context.Context, threadID string) error
}

// SyncResult counts one sync pass.
type SyncResult struct {
	Skipped      bool          `json:"skipped"`
	HeartbeatAge time.Duration `json:"heartbeat_age"`
	Threads      int           `json:"threads"`
	NewThreads   int           `json:"new_threads"`
	NewInbound   int           `json:"new_inbound"`
	NewOutbound  int           `json:"new_outbound"`
	Failed       int           `json:"failed"`
}

// SyncEngine pulls channel threads and messages into local storage while a
// human is around.
type SyncEngine struct {
	db          *gorm.DB
	reader      ChannelReader
	heartbeat   HeartbeatStore
	maxAge      time.Duration
	threadLimit int
	events      events.Publisher
	now         func() time.Time
	log         *logrus.Entry
}

func NewSyncEngine(db *gorm.DB, reader ChannelReader, heartbeat HeartbeatStore, maxAge time.Duration, threadLimit int, publisher events.Publisher) *SyncEngine {
	if threadLimit <= 0 {
		threadLimit = 40
	}
	return &SyncEngine{
		db:          db,
		reader:      reader,
		heartbeat:   heartbeat,
		maxAge:      maxAge,
		threadLimit: threadLimit,
		events:      publisher,
		now:         time.Now,
		log:         utils.Logger("sync"),
	}
}

// Run performs one pass. Without a fresh heartbeat it does nothing.
func (s *SyncEngine) Run(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	fresh, age, err := HeartbeatFresh(ctx, s.heartbeat, s.maxAge, s.now())
	if err != nil {
		return result, utils.WrapError(utils.KindConnectionFailure, "sync.heartbeat", err)
	}
	result.HeartbeatAge = age
	if !fresh {
		result.Skipped = true
		s.log.WithField("heartbeat_age", age.String()).Debug("Heartbeat stale, skipping sync")
		return result, nil
	}

	convs, err := s.reader.FetchConversations(ctx, s.threadLimit)
	if err != nil {
		return result, err
	}

	for _, conv := range convs {
		if ctx.Err() != nil {
			break
		}
		created, inbound, outbound, err := s.syncThread(ctx, conv)
		if err != nil {
			result.Failed++
			s.log.WithError(err).WithField("thread", conv.ID).Warn("Thread sync failed")
			if haltsBatch(err) {
				return result, err
			}
			continue
		}
		result.Threads++
		if created {
			result.NewThreads++
		}
		result.NewInbound += inbound
		result.NewOutbound += outbound
	}

	s.log.WithFields(logrus.Fields{
		"threads":      result.Threads,
		"new_threads":  result.NewThreads,
		"new_inbound":  result.NewInbound,
		"new_outbound": result.NewOutbound,
		"failed":       result.Failed,
	}).Info("Channel sync finished")
	return result, nil
}

func (s *SyncEngine) syncThread(ctx context.Context, conv channel.Conversation) (bool, int, int, error) {
	db := s.db.WithContext(ctx)
	now := s.now()
	lastActivity := conv.LastActivity()

	var thread models.ChannelThread
	err := db.Where("external_id = ?", conv.ID).First(&thread).Error
	created := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !created {
		return false, 0, 0, err
	}

	var since time.Time
	if !created && thread.LastSyncedAt != nil {
		if thread.LastMessageAt != nil && !lastActivity.After(*thread.LastMessageAt) {
			// nothing new since the last pass
			return false, 0, 0, nil
		}
		since = thread.LastSyncedAt.Add(-syncOverlap)
	}

	thread.ExternalID = conv.ID
	thread.Channel = models.ChannelLinkedIn
	thread.Participants = conv.Participants
	thread.LastMessageAt = &lastActivity
	thread.UnreadCount = conv.UnreadCount
	if created {
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&thread).Error; err != nil {
			return false, 0, 0, err
		}
		if thread.ID == 0 {
			if err := db.Where("external_id = ?", conv.ID).First(&thread).Error; err != nil {
				return false, 0, 0, err
			}
		}
	}

	msgs, err := s.reader.FetchMessages(ctx, conv.ID, since)
	if err != nil {
		return created, 0, 0, err
	}

	others := make(map[string]bool, len(conv.Participants))
	for _, p := range conv.Participants {
		others[p.MemberID] = true
	}

	inbound, outbound := 0, 0
	sawInbound := false
	for _, cm := range msgs {
		if cm.ID == "" {
			continue
		}
		if others[cm.Sender.MemberID] {
			sawInbound = true
			_, isNew, err := StoreInbound(db, InboundMessage{
				ExternalID:       cm.ID,
				ExternalThreadID: conv.ID,
				ThreadID:         &thread.ID,
				Channel:          models.ChannelLinkedIn,
				SenderName:       cm.Sender.Name,
				SenderMemberID:   cm.Sender.MemberID,
				Body:             cm.Text,
				ReceivedAt:       cm.CreatedAt(),
			})
			if err != nil {
				return created, inbound, outbound, err
			}
			if isNew {
				inbound++
			}
			continue
		}
		isNew, err := storeOutboundEcho(db, &thread, cm)
		if err != nil {
			return created, inbound, outbound, err
		}
		if isNew {
			outbound++
		}
	}

	// Stored replies are read on the channel too; the monitor takes it from here.
	if sawInbound && thread.UnreadCount > 0 {
		if err := s.reader.MarkRead(ctx, conv.ID); err != nil {
			if haltsBatch(err) {
				return created, inbound, outbound, err
			}
			s.log.WithError(err).WithField("thread", conv.ID).Warn("Mark read failed")
		} else {
			thread.UnreadCount = 0
		}
	}

	if err := db.Model(&thread).Select("participants", "last_message_at", "unread_count", "last_synced_at").
		Updates(&models.ChannelThread{
			Participants:  thread.Participants,
			LastMessageAt: thread.LastMessageAt,
			UnreadCount:   thread.UnreadCount,
			LastSyncedAt:  &now,
		}).Error; err != nil {
		return created, inbound, outbound, err
	}

	if s.events != nil && (created || inbound+outbound > 0) {
		s.events.Publish(events.TypeThreadSynced, map[string]interface{}{
			"thread_id":    thread.ID,
			"external_id":  thread.ExternalID,
			"prospect_id":  thread.ProspectID,
			"new_thread":   created,
			"new_inbound":  inbound,
			"new_outbound": outbound,
		})
	}
	return created, inbound, outbound, nil
}

// storeOutboundEcho records a message we wrote, either through the engine
// (already stored, nothing to do) or by hand on the channel.
func storeOutboundEcho(db *gorm.DB, thread *models.ChannelThread, cm channel.Message) (bool, error) {
	sentAt := cm.CreatedAt()
	msg := models.Message{
		ProspectID:       thread.ProspectID,
		ThreadID:         &thread.ID,
		Direction:        models.DirectionOutbound,
		Channel:          models.ChannelLinkedIn,
		Status:           models.MessageSent,
		Body:             cm.Text,
		ExternalID:       utils.Pointer(cm.ID),
		ExternalThreadID: thread.ExternalID,
		SenderName:       cm.Sender.Name,
		SenderMemberID:   cm.Sender.MemberID,
		SentAt:           &sentAt,
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(&msg)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
