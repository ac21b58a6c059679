/*
Package notify delivers unlock notifications.

SINKS:
  KafkaSink: one JSON event per unlock, keyed by patient id
  LogSink:   structured log line per unlock, for development
  Multi:     fans out to several sinks and joins their errors

EVENT SHAPE:
  {"type": "reward_unlocked", "patientId": "...", "tier": "silver", "occurredAt": "..."}
  {"type": "badge_unlocked",  "patientId": "...", "badgeId": "...", "metric": "...",
   "tier": "...", "xp": "50", "count": 2, "occurredAt": "..."}

Every event is built fresh for the call that sends it.
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/pointmotion/progression-engine/progression"
)

const (
	EventRewardUnlocked = "reward_unlocked"
	EventBadgeUnlocked  = "badge_unlocked"
)

// Event is the wire format published for every unlock.
type Event struct {
	Type       string           `json:"type"`
	PatientID  string           `json:"patientId"`
	Tier       string           `json:"tier"`
	BadgeID    string           `json:"badgeId,omitempty"`
	Metric     string           `json:"metric,omitempty"`
	XP         *decimal.Decimal `json:"xp,omitempty"`
	Count      int              `json:"count,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}

func rewardEvent(patientID string, tier progression.Tier, now time.Time) Event {
	return Event{Type: EventRewardUnlocked, PatientID: patientID, Tier: string(tier), OccurredAt: now}
}

func badgeEvent(patientID string, u progression.BadgeUnlock, now time.Time) Event {
	xp := u.XP
	return Event{
		Type:       EventBadgeUnlocked,
		PatientID:  patientID,
		Tier:       u.Tier,
		BadgeID:    u.BadgeID,
		Metric:     u.Metric,
		XP:         &xp,
		Count:      u.Count,
		OccurredAt: now,
	}
}

// =============================================================================
// KAFKA
// =============================================================================

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a single topic.
type KafkaSink struct {
	writer messageWriter
	now    func() time.Time
}

var _ progression.NotificationSink = (*KafkaSink)(nil)

// NewKafkaSink returns a synchronous writer so delivery failures reach the caller.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return newKafkaSink(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	})
}

func newKafkaSink(w messageWriter) *KafkaSink {
	return &KafkaSink{writer: w, now: func() time.Time { return time.Now().UTC() }}
}

func (s *KafkaSink) RewardUnlocked(ctx context.Context, patientID string, tier progression.Tier) error {
	return s.publish(ctx, rewardEvent(patientID, tier, s.now()))
}

func (s *KafkaSink) BadgeUnlocked(ctx context.Context, patientID string, u progression.BadgeUnlock) error {
	return s.publish(ctx, badgeEvent(patientID, u, s.now()))
}

func (s *KafkaSink) publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.PatientID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// =============================================================================
// LOG
// =============================================================================

// LogSink writes every event as a log line.
type LogSink struct {
	log logrus.FieldLogger
}

var _ progression.NotificationSink = (*LogSink)(nil)

func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: log.WithField("component", "notify")}
}

func (s *LogSink) RewardUnlocked(_ context.Context, patientID string, tier progression.Tier) error {
	s.log.WithFields(logrus.Fields{
		"event":      EventRewardUnlocked,
		"patient_id": patientID,
		"tier":       tier,
	}).Info("notification")
	return nil
}

func (s *LogSink) BadgeUnlocked(_ context.Context, patientID string, u progression.BadgeUnlock) error {
	s.log.WithFields(logrus.Fields{
		"event":      EventBadgeUnlocked,
		"patient_id": patientID,
		"badge_id":   u.BadgeID,
		"tier":       u.Tier,
		"xp":         u.XP.String(),
		"count":      u.Count,
	}).Info("notification")
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi delivers to every sink and joins their errors.
type Multi []progression.NotificationSink

var _ progression.NotificationSink = Multi(nil)

func (m Multi) RewardUnlocked(ctx context.Context, patientID string, tier progression.Tier) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RewardUnlocked(ctx, patientID, tier))
	}
	return errors.Join(errs...)
}

func (m Multi) BadgeUnlocked(ctx context.Context, patientID string, u progression.BadgeUnlock) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.BadgeUnlocked(ctx, patientID, u))
	}
	return errors.Join(errs...)
}
