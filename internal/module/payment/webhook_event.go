package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookEvent is a received gateway notification. EventID is unique so a
// redelivered event is recognised.
type WebhookEvent struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EventID     string     `gorm:"uniqueIndex;not null"`
	Type        string     `gorm:"not null;index"`
	Payload     string     `gorm:"type:jsonb"`
	Processed   bool       `gorm:"not null;default:false"`
	ProcessedAt *time.Time
	Result      string
	Error       *string
	Attempts    int       `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName returns the database table name.
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// Models returns the models owned by this package for migration.
func Models() []any {
	return []any{&WebhookEvent{}}
}

// WebhookEventRepository stores received webhook events.
type WebhookEventRepository interface {
	// Record stores the event unless it already exists and returns the
	// stored row.
	Record(ctx context.Context, eventID, eventType string, payload []byte) (*WebhookEvent, error)
	MarkProcessed(ctx context.Context, eventID, result string) error
	MarkFailed(ctx context.Context, eventID string, processErr error) error
	FindByEventID(ctx context.Context, eventID string) (*WebhookEvent, error)
}

// ErrEventNotFound is returned when no webhook event matches.
var ErrEventNotFound = errors.New("webhook event not found")

type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a new webhook event repository.
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func (r *webhookEventRepository) Record(ctx context.Context, eventID, eventType string, payload []byte) (*WebhookEvent, error) {
	evt := &WebhookEvent{
		ID:      uuid.New(),
		EventID: eventID,
		Type:    eventType,
		Payload: string(payload),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(evt).Error
	if err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}

	// Re-read so a redelivery sees the state left by the first attempt.
	stored, err := r.FindByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Update("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
		return nil, fmt.Errorf("count webhook attempt: %w", err)
	}
	stored.Attempts++
	return stored, nil
}

func (r *webhookEventRepository) MarkProcessed(ctx context.Context, eventID, result string) error {
	updates := map[string]any{
		"processed":    true,
		"processed_at": time.Now().UTC(),
		"result":       result,
		"error":        nil,
	}
	err := r.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

func (r *webhookEventRepository) MarkFailed(ctx context.Context, eventID string, processErr error) error {
	msg := "unknown error"
	if processErr != nil {
		msg = processErr.Error()
	}
	err := r.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Update("error", msg).Error
	if err != nil {
		return fmt.Errorf("mark webhook event failed: %w", err)
	}
	return nil
}

func (r *webhookEventRepository) FindByEventID(ctx context.Context, eventID string) (*WebhookEvent, error) {
	var evt WebhookEvent
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&evt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("find webhook event: %w", err)
	}
	return &evt, nil
}
