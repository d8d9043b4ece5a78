package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"consult-service/internal/config"
	"consult-service/internal/models"
	"consult-service/pkg/clock"
	"consult-service/pkg/crypto"
	"consult-service/pkg/httpclient"
	"consult-service/pkg/logger"
	"consult-service/pkg/mail"
	"consult-service/pkg/metrics"
	"consult-service/pkg/utils"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Audit actions
const (
	ActionProblemSubmitted   = "problem_submitted"
	ActionSubmissionMatching = "submission_matching"
	ActionInvitationAccepted = "invitation_accepted"
	ActionInvitationDeclined = "invitation_declined"
	ActionInvitationExpired  = "invitation_expired"
	ActionProblemRefunded    = "problem_refunded"
	ActionTokensCredited     = "tokens_credited"
)

// AuditActionCatalogue 审计动作目录，供管理端筛选
var AuditActionCatalogue = []models.AuditAction{
	{ID: ActionProblemSubmitted, Name: "Problem submitted", Category: "Submissions"},
	{ID: ActionSubmissionMatching, Name: "Consultants invited", Category: "Matching"},
	{ID: ActionInvitationAccepted, Name: "Invitation accepted", Category: "Matching"},
	{ID: ActionInvitationDeclined, Name: "Invitation declined", Category: "Matching"},
	{ID: ActionInvitationExpired, Name: "Invitation expired", Category: "Sweeps"},
	{ID: ActionProblemRefunded, Name: "Problem refunded", Category: "Refunds"},
	{ID: ActionTokensCredited, Name: "Tokens credited", Category: "Tokens"},
}

// Actor types
const (
	ActorSystem     = "system"
	ActorUser       = "user"
	ActorAdmin      = "admin"
	ActorConsultant = "consultant"
)

// ConsultService 咨询撮合、代币账本与过期退款清扫
type ConsultService struct {
	DB     *gorm.DB
	Redis  *redis.Client
	Config *config.Config
	Clock  clock.Clock

	Notifier Notifier
	Channels []DeliveryChannel
	Hub      *NotificationHub
	Upgrader websocket.Upgrader
}

func NewConsultService(db *gorm.DB, rdb *redis.Client, cfg *config.Config, clk clock.Clock) *ConsultService {
	if clk == nil {
		clk = clock.Real()
	}
	s := &ConsultService{
		DB:     db,
		Redis:  rdb,
		Config: cfg,
		Clock:  clk,
		Hub:    NewNotificationHub(),
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	var notifiers MultiNotifier
	if cfg.Notification.InAppEnabled {
		notifiers = append(notifiers, &InAppNotifier{DB: db, Hub: s.Hub, Clock: clk})
	}

	log := logger.GetLogger()
	if cfg.Notification.Email.Enabled {
		mailer := mail.NewMailer(mail.SMTPConfig{
			Host:     cfg.Notification.Email.SMTPHost,
			Port:     cfg.Notification.Email.SMTPPort,
			Username: cfg.Notification.Email.Username,
			Password: cfg.Notification.Email.Password,
			From:     cfg.Notification.Email.From,
			TLS:      cfg.Notification.Email.TLS,
		})
		s.Channels = append(s.Channels, &EmailChannel{Mailer: mailer})
	}
	if cfg.Notification.Webhook.Enabled {
		ch := &WebhookChannel{
			URL: cfg.Notification.Webhook.URL,
			Client: httpclient.New(httpclient.Config{
				Timeout:       cfg.Notification.Webhook.Timeout,
				RetryCount:    cfg.Notification.Webhook.RetryCount,
				RetryInterval: cfg.Notification.Webhook.RetryInterval,
				Logger:        log,
			}),
			Clock: clk,
		}
		if cfg.Notification.Webhook.Secret != "" {
			signer, err := crypto.NewSigner(cfg.Notification.Webhook.Secret)
			if err != nil {
				log.WithError(err).Warn("webhook signing disabled")
			} else {
				ch.Signer = signer
			}
		}
		s.Channels = append(s.Channels, ch)
	}
	if len(s.Channels) > 0 {
		if rdb != nil {
			notifiers = append(notifiers, &QueueNotifier{Redis: rdb, Key: cfg.Notification.QueueKey, Clock: clk})
		} else {
			log.Warn("external notification channels configured without redis, only in-app delivery is active")
		}
	}
	s.Notifier = notifiers

	return s
}

// 请求上下文中的调用方信息，由 middleware.InjectRequestContext 写入
func getUserID(ctx context.Context) string {
	if userID, ok := ctx.Value("user_id").(string); ok {
		return userID
	}
	return ""
}

func getRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value("request_id").(string); ok {
		return reqID
	}
	return ""
}

func getActorType(ctx context.Context) string {
	if t, ok := ctx.Value("actor_type").(string); ok && t != "" {
		return t
	}
	if getUserID(ctx) != "" {
		return ActorUser
	}
	return ActorSystem
}

// AuditEntry 一条审计记录的输入
type AuditEntry struct {
	ActorType   string
	ActorID     string
	Action      string
	SubjectType string
	SubjectID   string
	Before      interface{}
	After       interface{}
	Status      string
	Message     string
}

// RecordAudit 在调用方事务内追加审计日志，actor 缺省时从 ctx 读取
func (s *ConsultService) RecordAudit(ctx context.Context, tx *gorm.DB, e AuditEntry) error {
	if e.ActorType == "" {
		e.ActorType = getActorType(ctx)
	}
	if e.ActorID == "" {
		e.ActorID = getUserID(ctx)
	}
	if e.Status == "" {
		e.Status = "success"
	}
	auditLog := &models.AuditLog{
		RequestID:   getRequestID(ctx),
		ActorType:   e.ActorType,
		ActorID:     e.ActorID,
		Action:      e.Action,
		SubjectType: e.SubjectType,
		SubjectID:   e.SubjectID,
		Status:      e.Status,
		Message:     e.Message,
		CreatedAt:   s.Clock.Now(),
	}
	if e.Before != nil {
		auditLog.BeforeState = utils.ToJSON(e.Before)
	}
	if e.After != nil {
		auditLog.AfterState = utils.ToJSON(e.After)
	}
	if err := tx.Create(auditLog).Error; err != nil {
		return fmt.Errorf("record audit %s: %w", e.Action, err)
	}
	metrics.RecordAuditEvent(ctx, e.Action, e.SubjectType, e.Status)
	return nil
}

// AuditFilter 审计日志查询条件
type AuditFilter struct {
	Action      string
	SubjectType string
	SubjectID   string
	ActorID     string
	Page        int
	PageSize    int
}

func (s *ConsultService) ListAuditLogs(ctx context.Context, f AuditFilter) ([]models.AuditLog, int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.AuditLog{})
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.SubjectType != "" {
		q = q.Where("subject_type = ?", f.SubjectType)
	}
	if f.SubjectID != "" {
		q = q.Where("subject_id = ?", f.SubjectID)
	}
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := normalizePage(f.Page, f.PageSize)
	var logs []models.AuditLog
	if err := q.Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (s *ConsultService) ListAuditActions(ctx context.Context) ([]models.AuditAction, error) {
	var actions []models.AuditAction
	err := s.DB.WithContext(ctx).Order("category ASC, id ASC").Find(&actions).Error
	return actions, err
}

// GetUserByID 根据ID获取用户
func (s *ConsultService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetConsultantByUserID 返回用户对应的顾问档案
func (s *ConsultService) GetConsultantByUserID(ctx context.Context, userID string) (*models.Consultant, error) {
	var c models.Consultant
	if err := s.DB.WithContext(ctx).Where("user_id = ?", userID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConsultantNotFound
		}
		return nil, err
	}
	return &c, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}

// itemContext bounds a single invitation or refund by sweep.item_timeout.
func (s *ConsultService) itemContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Config.Sweep.ItemTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.Config.Sweep.ItemTimeout)
}

func (s *ConsultService) log(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(logger.GetLogger())
	if rid := getRequestID(ctx); rid != "" {
		entry = entry.WithField("request_id", rid)
	}
	return entry
}
