package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"consult-service/internal/config"
	"consult-service/internal/models"
	"consult-service/internal/service"
	"consult-service/internal/testutil"
	"consult-service/pkg/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	testutil.QuietLogger()
	os.Exit(m.Run())
}

type countingSweeper struct {
	calls    int32
	triggers chan string
	err      error
}

func (c *countingSweeper) RunSweep(ctx context.Context, trigger string) (*service.SweepReport, error) {
	atomic.AddInt32(&c.calls, 1)
	select {
	case c.triggers <- trigger:
	default:
	}
	return &service.SweepReport{Trigger: trigger}, c.err
}

func TestSweepRunnerRunsOnStartAndOnTick(t *testing.T) {
	sw := &countingSweeper{triggers: make(chan string, 10)}
	r := NewSweepRunner(sw, config.SweepConfig{Interval: 20 * time.Millisecond, RunOnStart: true, LockTTL: time.Second})
	r.Start()

	select {
	case trigger := <-sw.triggers:
		assert.Equal(t, service.TriggerScheduled, trigger)
	case <-time.After(time.Second):
		t.Fatal("sweep did not run on start")
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&sw.calls) >= 3 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()

	after := atomic.LoadInt32(&sw.calls)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&sw.calls), "no sweeps after Stop")
}

func TestSweepRunnerSurvivesErrors(t *testing.T) {
	sw := &countingSweeper{triggers: make(chan string, 10), err: service.ErrSweepInProgress}
	r := NewSweepRunner(sw, config.SweepConfig{Interval: 10 * time.Millisecond})
	r.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&sw.calls) >= 2 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()
}

func TestNewSweepRunnerTimeoutCappedByLockTTL(t *testing.T) {
	r := NewSweepRunner(&countingSweeper{}, config.SweepConfig{ItemTimeout: 10 * time.Second, BatchSize: 500, LockTTL: 10 * time.Minute})
	assert.Equal(t, 10*time.Minute, r.Timeout)
	assert.Equal(t, 5*time.Minute, r.Interval)

	r = NewSweepRunner(&countingSweeper{}, config.SweepConfig{ItemTimeout: time.Second, BatchSize: 10, LockTTL: 10 * time.Minute})
	assert.Equal(t, 20*time.Second, r.Timeout)
}

func TestSyncAuditActions(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create(&models.AuditLog{Action: "legacy_import", Status: "success"}).Error)
	require.NoError(t, db.Create(&models.AuditLog{Action: service.ActionProblemRefunded, Status: "success"}).Error)

	require.NoError(t, SyncAuditActions(ctx, db))
	require.NoError(t, SyncAuditActions(ctx, db))

	var actions []models.AuditAction
	require.NoError(t, db.Find(&actions).Error)
	assert.Len(t, actions, len(service.AuditActionCatalogue)+1)

	var legacy models.AuditAction
	require.NoError(t, db.Where("id = ?", "legacy_import").First(&legacy).Error)
	assert.Equal(t, "General", legacy.Category)
}

func TestRefreshConsultantStats(t *testing.T) {
	db := testutil.NewTestDB(t)
	user := testutil.CreateUser(t, db, 0)
	c := testutil.CreateConsultant(t, db, "tax", 0, 4)
	idle := testutil.CreateConsultant(t, db, "tax", 0.7, 4)
	sub := testutil.CreateSubmission(t, db, user.ID, models.SubmissionStatusMatching, 5)
	for _, status := range []string{
		models.InvitationStatusAccepted,
		models.InvitationStatusDeclined,
		models.InvitationStatusExpired,
		models.InvitationStatusAccepted,
		models.InvitationStatusPending,
	} {
		testutil.CreateInvitation(t, db, sub.ID, c.ID, status, testutil.Epoch)
	}

	n, err := RefreshConsultantStats(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := testutil.Reload[models.Consultant](t, db, c.ID)
	assert.Equal(t, 4, got.InvitationsTotal)
	assert.Equal(t, 2, got.InvitationsAccepted)
	assert.InDelta(t, 0.5, got.AcceptanceRate, 1e-9)
	assert.InDelta(t, 0.7, testutil.Reload[models.Consultant](t, db, idle.ID).AcceptanceRate, 1e-9)
}

type flakyChannel struct {
	fails int
	calls int
}

func (f *flakyChannel) Name() string { return "webhook" }

func (f *flakyChannel) Deliver(context.Context, service.Recipient, service.NotificationMessage) error {
	f.calls++
	if f.calls <= f.fails {
		return errors.New("upstream 503")
	}
	return nil
}

func newDispatcherFixture(t *testing.T, ch service.DeliveryChannel) (*NotificationDispatcher, *service.QueueNotifier) {
	t.Helper()
	db := testutil.NewTestDB(t)
	_, rdb := testutil.NewTestRedis(t)
	cfg := testutil.NewConfig()
	svc := service.NewConsultService(db, rdb, cfg, clock.NewMock(testutil.Epoch))
	svc.Channels = []service.DeliveryChannel{ch}
	q := &service.QueueNotifier{Redis: rdb, Key: cfg.Notification.QueueKey, Clock: svc.Clock}
	return NewNotificationDispatcher(svc), q
}

func TestNotificationDispatcherDeliversBatch(t *testing.T) {
	ch := &flakyChannel{}
	d, q := newDispatcherFixture(t, ch)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Notify(ctx, service.NotificationMessage{UserID: "u1", Type: "problem_refunded"}))
	}

	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, ch.calls)

	n, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNotificationDispatcherRequeuesThenGivesUp(t *testing.T) {
	ch := &flakyChannel{fails: 100}
	d, q := newDispatcherFixture(t, ch)
	ctx := context.Background()
	require.NoError(t, q.Notify(ctx, service.NotificationMessage{UserID: "u1"}))

	for i := 0; i < maxDeliveryAttempts; i++ {
		n, err := d.DrainOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", i+1)
	}
	assert.Equal(t, maxDeliveryAttempts, ch.calls)

	left, err := d.Service.Redis.LLen(ctx, d.Key).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, left)
}

func TestNotificationDispatcherDropsMalformedEnvelope(t *testing.T) {
	ch := &flakyChannel{}
	d, _ := newDispatcherFixture(t, ch)
	ctx := context.Background()
	require.NoError(t, d.Service.Redis.RPush(ctx, d.Key, "not-json").Err())
	good, _ := json.Marshal(service.OutboxEnvelope{Notification: service.NotificationMessage{ID: "n1", UserID: "u1"}})
	require.NoError(t, d.Service.Redis.RPush(ctx, d.Key, good).Err())

	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, ch.calls)
}
