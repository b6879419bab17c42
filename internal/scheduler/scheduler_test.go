package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"forge-admin/internal/model"
	"forge-admin/internal/pkg/aiservice"
	"forge-admin/internal/pkg/config"
	"forge-admin/internal/pkg/platformkey"
	"forge-admin/internal/repository"
	"forge-admin/internal/testutil"
)

func newTestScheduler(t *testing.T, cfg *config.SchedulerConfig) (*Scheduler, *repository.CredentialRepository, *repository.CredentialEventRepository, *observer.ObservedLogs) {
	t.Helper()
	db := testutil.NewDB(t)
	creds := repository.NewCredentialRepository(db)
	events := repository.NewCredentialEventRepository(db)
	core, logs := observer.New(zap.InfoLevel)
	s := NewScheduler(cfg, creds, events, platformkey.New(map[string]string{"openai": "sk-platform-0000"}), zap.New(core))
	return s, creds, events, logs
}

func TestReportUsage(t *testing.T) {
	s, creds, _, logs := newTestScheduler(t, &config.SchedulerConfig{})
	ctx := context.Background()

	for _, c := range []*model.UserCredential{
		{UserID: "u1", Service: aiservice.OpenAI, EncryptedKey: "x", KeyPrefix: "sk-a", IsActive: true},
		{UserID: "u2", Service: aiservice.OpenAI, EncryptedKey: "x", KeyPrefix: "sk-b", IsActive: false},
		{UserID: "u1", Service: aiservice.Meshy, EncryptedKey: "x", KeyPrefix: "msy_", IsActive: true},
	} {
		require.NoError(t, creds.Create(ctx, c))
	}

	require.NoError(t, s.ReportUsage(ctx))

	stats := logs.FilterMessage("凭据统计").All()
	require.Len(t, stats, 2)
	first := stats[0].ContextMap()
	assert.Equal(t, "openai", first["service"])
	assert.Equal(t, int64(1), first["active"])
	assert.Equal(t, int64(1), first["inactive"])
	assert.Equal(t, true, first["platform_available"])

	warn := logs.FilterLevelExact(zap.WarnLevel).All()
	require.Len(t, warn, 1)
	assert.NotContains(t, warn[0].ContextMap()["services"], "openai")

	// 日志中不出现任何 key 内容
	for _, entry := range logs.All() {
		for _, f := range entry.Context {
			assert.NotContains(t, f.String, "sk-platform")
		}
	}
}

func TestPruneEvents(t *testing.T) {
	s, _, events, _ := newTestScheduler(t, &config.SchedulerConfig{EventRetentionDays: 30})
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	old := &model.CredentialEvent{UserID: "u1", Service: aiservice.OpenAI, Action: model.CredentialActionSet, CreatedAt: now.AddDate(0, 0, -31)}
	fresh := &model.CredentialEvent{UserID: "u1", Service: aiservice.OpenAI, Action: model.CredentialActionDelete, CreatedAt: now.AddDate(0, 0, -1)}
	require.NoError(t, events.Create(ctx, old))
	require.NoError(t, events.Create(ctx, fresh))

	require.NoError(t, s.PruneEvents(ctx))

	left, err := events.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, fresh.ID, left[0].ID)
}

func TestPruneEvents_RequiresRetention(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, &config.SchedulerConfig{})
	assert.Error(t, s.PruneEvents(context.Background()))
}

func TestStart(t *testing.T) {
	disabled, _, _, _ := newTestScheduler(t, &config.SchedulerConfig{Enabled: false})
	require.NoError(t, disabled.Start())
	assert.Empty(t, disabled.cronSchedules)

	s, _, _, _ := newTestScheduler(t, &config.SchedulerConfig{
		Enabled:            true,
		UsageReportCron:    "0 0 3 * * *",
		EventPruneCron:     "0 30 3 * * *",
		EventRetentionDays: 90,
	})
	require.NoError(t, s.Start())
	assert.Len(t, s.cronSchedules, 2)
	s.Stop()

	bad, _, _, _ := newTestScheduler(t, &config.SchedulerConfig{Enabled: true, UsageReportCron: "every day"})
	assert.Error(t, bad.Start())
}
