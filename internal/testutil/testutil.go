// Package testutil holds fixtures shared by package tests: an on-disk sqlite store,
// a miniredis instance and seed helpers for the consultation models.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"consult-service/internal/config"
	"consult-service/internal/models"
	"consult-service/internal/storage"
	"consult-service/pkg/logger"
	"consult-service/pkg/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Epoch is the fixed "now" most tests start their mock clock at.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewTestDB opens a migrated sqlite database in a temp dir.
func NewTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "consult.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection serialises writers; code under test must use the tx handle inside transactions
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, storage.AutoMigrate(db))
	return db
}

// NewTestRedis starts miniredis and returns a client bound to it.
func NewTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// NewConfig returns the defaults the service runs with, without touching viper or the environment.
func NewConfig() *config.Config {
	return &config.Config{
		Port:     8080,
		GinMode:  "test",
		LogLevel: "error",
		Security: config.SecurityConfig{
			JWTSecret:          "test-secret-test-secret-test-123",
			JWTExpiration:      time.Hour,
			RateLimitPerSecond: 100,
			IdempotencyTTL:     time.Hour,
			UserCacheTTL:       time.Second,
		},
		Sweep: config.SweepConfig{
			Enabled:     true,
			Interval:    time.Minute,
			LockTTL:     time.Minute,
			ItemTimeout: 5 * time.Second,
			BatchSize:   100,
		},
		Matching: config.MatchingConfig{
			InvitationTTL:        2 * time.Hour,
			MaxCandidates:        3,
			SurgeThreshold:       2,
			SurgeMultiplier:      1.5,
			DefaultSubmissionFee: 5,
			StatsRefreshInterval: time.Minute,
		},
		Notification: config.NotificationConfig{
			InAppEnabled: true,
			QueueKey:     "notifications:outbox",
			BatchSize:    10,
			PollTimeout:  100 * time.Millisecond,
		},
	}
}

func CreateUser(t testing.TB, db *gorm.DB, balance int64) *models.User {
	t.Helper()
	id := utils.GenerateID()
	u := &models.User{
		ID:           id,
		Email:        id + "@example.com",
		Name:         "user " + id[:8],
		Role:         "user",
		Status:       "active",
		TokenBalance: balance,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

func CreateAdmin(t testing.TB, db *gorm.DB) *models.User {
	t.Helper()
	u := CreateUser(t, db, 0)
	require.NoError(t, db.Model(u).Updates(map[string]interface{}{"role": "admin", "is_platform_admin": true}).Error)
	u.Role = "admin"
	u.IsPlatformAdmin = true
	return u
}

// CreateConsultant creates a consultant together with its backing user.
func CreateConsultant(t testing.TB, db *gorm.DB, specialty string, acceptanceRate, rating float64) *models.Consultant {
	t.Helper()
	u := CreateUser(t, db, 0)
	require.NoError(t, db.Model(u).Update("role", "consultant").Error)
	c := &models.Consultant{
		ID:             utils.GenerateID(),
		UserID:         u.ID,
		DisplayName:    "consultant " + u.ID[:8],
		Specialty:      specialty,
		Status:         "active",
		IsAvailable:    true,
		Rating:         rating,
		AcceptanceRate: acceptanceRate,
	}
	require.NoError(t, db.Create(c).Error)
	return c
}

func CreateSubmission(t testing.TB, db *gorm.DB, userID, status string, fee int64) *models.ProblemSubmission {
	t.Helper()
	s := &models.ProblemSubmission{
		ID:            utils.GenerateID(),
		UserID:        userID,
		Title:         "Need help with taxes",
		Description:   "details",
		Category:      "tax",
		Urgency:       "normal",
		Status:        status,
		SubmissionFee: fee,
	}
	require.NoError(t, db.Create(s).Error)
	return s
}

func CreateInvitation(t testing.TB, db *gorm.DB, submissionID, consultantID, status string, expiresAt time.Time) *models.ConsultantInvitation {
	t.Helper()
	inv := &models.ConsultantInvitation{
		ID:                  utils.GenerateID(),
		ProblemSubmissionID: submissionID,
		ConsultantID:        consultantID,
		Status:              status,
		InvitedAt:           expiresAt.Add(-2 * time.Hour),
		ExpiresAt:           expiresAt,
		SurgeMultiplier:     1,
	}
	require.NoError(t, db.Create(inv).Error)
	return inv
}

// Reload refetches a row by primary key.
func Reload[T any](t testing.TB, db *gorm.DB, id string) *T {
	t.Helper()
	var v T
	require.NoError(t, db.Where("id = ?", id).First(&v).Error)
	return &v
}

// QuietLogger routes the service logger to stdout only, at error level.
func QuietLogger() {
	_ = os.Setenv("CONSULT_LOG_FILE", "-")
	logger.Init("error")
}
