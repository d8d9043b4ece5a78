package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"consult-service/internal/service"
	"consult-service/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const maxDeliveryAttempts = 3

// NotificationDispatcher 从 Redis 出站队列取通知并投递到邮件/webhook 通道
type NotificationDispatcher struct {
	Service     *service.ConsultService
	Key         string
	BatchSize   int
	PollTimeout time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewNotificationDispatcher(svc *service.ConsultService) *NotificationDispatcher {
	cfg := svc.Config.Notification
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &NotificationDispatcher{
		Service:     svc,
		Key:         cfg.QueueKey,
		BatchSize:   batch,
		PollTimeout: poll,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (d *NotificationDispatcher) Start() {
	go d.run()
	logger.GetLogger().WithField("queue", d.Key).Info("notification dispatcher started")
}

func (d *NotificationDispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
	logger.GetLogger().Info("notification dispatcher stopped")
}

func (d *NotificationDispatcher) run() {
	defer close(d.doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.stopCh
		cancel()
	}()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			logger.GetLogger().WithError(err).Warn("notification queue poll failed")
			select {
			case <-d.stopCh:
				return
			case <-time.After(d.PollTimeout):
			}
		}
	}
}

// DrainOnce waits up to PollTimeout for the first envelope, then takes at most BatchSize
// envelopes and delivers them. It returns how many were taken off the queue.
func (d *NotificationDispatcher) DrainOnce(ctx context.Context) (int, error) {
	rdb := d.Service.Redis
	res, err := rdb.BLPop(ctx, d.PollTimeout, d.Key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	payloads := []string{res[1]}
	for len(payloads) < d.BatchSize {
		p, err := rdb.LPop(ctx, d.Key).Result()
		if err != nil {
			break
		}
		payloads = append(payloads, p)
	}

	for _, p := range payloads {
		d.deliver(ctx, p)
	}
	return len(payloads), nil
}

func (d *NotificationDispatcher) deliver(ctx context.Context, payload string) {
	log := logger.GetLogger()
	var env service.OutboxEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.WithError(err).Error("dropping malformed notification envelope")
		return
	}
	fields := logrus.Fields{
		"notification_id": env.Notification.ID,
		"type":            env.Notification.Type,
		"attempt":         env.Attempt + 1,
	}
	err := d.Service.DeliverQueued(ctx, env)
	if err == nil {
		log.WithFields(fields).Debug("notification delivered")
		return
	}

	env.Attempt++
	if env.Attempt >= maxDeliveryAttempts {
		log.WithFields(fields).WithError(err).Error("notification delivery gave up")
		return
	}
	b, merr := json.Marshal(env)
	if merr != nil {
		return
	}
	if rerr := d.Service.Redis.RPush(context.WithoutCancel(ctx), d.Key, b).Err(); rerr != nil {
		log.WithFields(fields).WithError(rerr).Error("notification requeue failed")
		return
	}
	log.WithFields(fields).WithError(err).Warn("notification delivery failed, requeued")
}
