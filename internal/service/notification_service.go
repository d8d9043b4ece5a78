package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"consult-service/internal/models"
	"consult-service/pkg/clock"
	"consult-service/pkg/crypto"
	"consult-service/pkg/httpclient"
	"consult-service/pkg/logger"
	"consult-service/pkg/mail"
	"consult-service/pkg/metrics"
	"consult-service/pkg/utils"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// NotificationMessage 发给单个用户的通知
type NotificationMessage struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// Notifier delivers a notification. Callers treat errors as best-effort.
type Notifier interface {
	Notify(ctx context.Context, n NotificationMessage) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n NotificationMessage) error

func (f NotifierFunc) Notify(ctx context.Context, n NotificationMessage) error { return f(ctx, n) }

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n NotificationMessage) error {
	if n.ID == "" {
		n.ID = utils.GenerateID()
	}
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InAppNotifier 站内信：落库并推送到在线的 websocket 连接
type InAppNotifier struct {
	DB    *gorm.DB
	Hub   *NotificationHub
	Clock clock.Clock
}

func (n *InAppNotifier) Notify(ctx context.Context, msg NotificationMessage) error {
	if msg.ID == "" {
		msg.ID = utils.GenerateID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = n.Clock.Now()
	}
	row := &models.Notification{
		ID:        msg.ID,
		UserID:    msg.UserID,
		Type:      msg.Type,
		Title:     msg.Title,
		Message:   msg.Message,
		Payload:   utils.ToJSON(msg.Payload),
		CreatedAt: msg.CreatedAt,
	}
	if err := n.DB.WithContext(ctx).Create(row).Error; err != nil {
		metrics.RecordNotificationDelivery(ctx, "in_app", msg.Type, metrics.ResultFailed)
		return fmt.Errorf("store notification: %w", err)
	}
	metrics.RecordNotificationDelivery(ctx, "in_app", msg.Type, metrics.ResultSuccess)
	if n.Hub != nil {
		n.Hub.Push(msg.UserID, row)
	}
	return nil
}

// OutboxEnvelope 写入 Redis 队列的待投递通知
type OutboxEnvelope struct {
	Notification NotificationMessage `json:"notification"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	Attempt      int                 `json:"attempt"`
}

// QueueNotifier pushes notifications onto a Redis list drained by the dispatcher task.
type QueueNotifier struct {
	Redis *redis.Client
	Key   string
	Clock clock.Clock
}

func (q *QueueNotifier) Notify(ctx context.Context, msg NotificationMessage) error {
	if msg.ID == "" {
		msg.ID = utils.GenerateID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = q.Clock.Now()
	}
	b, err := json.Marshal(OutboxEnvelope{Notification: msg, EnqueuedAt: q.Clock.Now()})
	if err != nil {
		return err
	}
	if err := q.Redis.RPush(ctx, q.Key, b).Err(); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// Recipient 外部通道的收件人信息
type Recipient struct {
	UserID string
	Email  string
	Name   string
}

// DeliveryChannel is an external channel fed by the outbox dispatcher.
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, to Recipient, n NotificationMessage) error
}

// EmailChannel 邮件通道
type EmailChannel struct {
	Mailer *mail.Mailer
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(ctx context.Context, to Recipient, n NotificationMessage) error {
	if to.Email == "" {
		return nil
	}
	body := fmt.Sprintf("<p>Hi %s,</p><p>%s</p>", html.EscapeString(to.Name), html.EscapeString(n.Message))
	if err := c.Mailer.Send(to.Email, n.Title, body, n.Message); err != nil {
		return err
	}
	logger.GetLogger().WithField("to", logger.MaskEmail(to.Email)).WithField("type", n.Type).Debug("notification email sent")
	return nil
}

// WebhookChannel posts notifications to a single configured endpoint.
type WebhookChannel struct {
	URL    string
	Client *httpclient.Client
	Signer *crypto.Signer
	Clock  clock.Clock
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, _ Recipient, n NotificationMessage) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set("X-Consult-Event", n.Type)
	if c.Signer != nil {
		headers.Set(crypto.SignatureHeader, c.Signer.Sign(body, c.Clock.Now()))
	}
	_, err = c.Client.PostJSONOnce(ctx, n.ID, c.URL, json.RawMessage(body), headers)
	return err
}

// DeliverQueued sends one outbox envelope through every external channel.
func (s *ConsultService) DeliverQueued(ctx context.Context, env OutboxEnvelope) error {
	n := env.Notification
	to := Recipient{UserID: n.UserID}
	if user, err := s.GetUserByID(ctx, n.UserID); err == nil {
		to.Email = user.Email
		to.Name = user.Name
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	var errs []error
	for _, ch := range s.Channels {
		if err := ch.Deliver(ctx, to, n); err != nil {
			metrics.RecordNotificationDelivery(ctx, ch.Name(), n.Type, metrics.ResultFailed)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		metrics.RecordNotificationDelivery(ctx, ch.Name(), n.Type, metrics.ResultSuccess)
	}
	return errors.Join(errs...)
}

// ListNotifications 用户站内信列表
func (s *ConsultService) ListNotifications(ctx context.Context, userID string, unreadOnly bool, page, pageSize int) ([]models.Notification, int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, pageSize = normalizePage(page, pageSize)
	var list []models.Notification
	if err := q.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (s *ConsultService) MarkNotificationRead(ctx context.Context, userID, id string) error {
	now := s.Clock.Now()
	res := s.DB.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
