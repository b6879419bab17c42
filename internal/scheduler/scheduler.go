package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"forge-admin/internal/pkg/aiservice"
	"forge-admin/internal/pkg/config"
	"forge-admin/internal/pkg/platformkey"
	"forge-admin/internal/repository"
)

const jobTimeout = 5 * time.Minute

// UsageCounter 凭据统计
type UsageCounter interface {
	CountByService(ctx context.Context) ([]repository.ServiceUsage, error)
}

// EventPruner 审计事件清理
type EventPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler 调度器
type Scheduler struct {
	cron          *cron.Cron
	logger        *zap.Logger
	cfg           *config.SchedulerConfig
	usage         UsageCounter
	events        EventPruner
	platform      *platformkey.Registry
	now           func() time.Time
	cronSchedules map[string]cron.EntryID // 存储任务ID，便于管理
}

// NewScheduler 创建调度器
func NewScheduler(
	cfg *config.SchedulerConfig,
	usage UsageCounter,
	events EventPruner,
	platform *platformkey.Registry,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		// 带秒级支持
		cron:          cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		logger:        logger,
		cfg:           cfg,
		usage:         usage,
		events:        events,
		platform:      platform,
		now:           time.Now,
		cronSchedules: make(map[string]cron.EntryID),
	}
}

// Start 注册任务并启动, 未启用时直接返回
func (s *Scheduler) Start() error {
	log := s.logger.Sugar()
	if !s.cfg.Enabled {
		log.Info("定时任务调度器未启用")
		return nil
	}

	log.Info("启动定时任务调度器...")

	// cron 表达式格式: 秒 分 时 日 月 周
	jobs := []struct {
		name string
		expr string
		fn   func(ctx context.Context) error
	}{
		{"usage_report", s.cfg.UsageReportCron, s.ReportUsage},
		{"event_prune", s.cfg.EventPruneCron, s.PruneEvents},
	}
	for _, job := range jobs {
		if job.expr == "" {
			log.Warnf("未配置 %s 的 cron 表达式, 跳过", job.name)
			continue
		}
		name, fn := job.name, job.fn
		entryID, err := s.cron.AddFunc(job.expr, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := fn(ctx); err != nil {
				log.Errorf("定时任务 %s 执行失败: %v", name, err)
			}
		})
		if err != nil {
			log.Errorf("注册定时任务 %s: %v 失败: %v", job.name, job.expr, err)
			return err
		}
		s.cronSchedules[job.name] = entryID
		log.Infof("定时任务已注册: %s %s entry_id=%d", job.name, job.expr, entryID)
	}

	s.cron.Start()
	log.Info("定时任务调度器启动成功")

	return nil
}

// Stop 停止调度器
func (s *Scheduler) Stop() {
	s.logger.Info("正在停止定时任务调度器...")

	// 等待正在执行的任务完成
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.logger.Info("定时任务调度器已停止")
}

// ReportUsage 输出各服务的凭据数量, 以及缺少平台 key 的服务
func (s *Scheduler) ReportUsage(ctx context.Context) error {
	usage, err := s.usage.CountByService(ctx)
	if err != nil {
		return err
	}

	for _, u := range usage {
		s.logger.Info("凭据统计",
			zap.String("service", u.Service.String()),
			zap.Int64("active", u.Active),
			zap.Int64("inactive", u.Inactive),
			zap.Bool("platform_available", s.platform.Has(u.Service)),
		)
	}

	missing := s.platform.Missing()
	if len(missing) > 0 {
		s.logger.Warn("以下服务未配置平台 key, 没有用户 key 的调用将失败",
			zap.Strings("services", lo.Map(missing, func(svc aiservice.Service, _ int) string {
				return svc.String()
			})),
		)
	}
	return nil
}

// PruneEvents 删除超过保留期的审计事件
func (s *Scheduler) PruneEvents(ctx context.Context) error {
	if s.cfg.EventRetentionDays <= 0 {
		return errors.New("event_retention_days 必须大于 0")
	}
	before := s.now().AddDate(0, 0, -s.cfg.EventRetentionDays)
	deleted, err := s.events.DeleteBefore(ctx, before)
	if err != nil {
		return err
	}
	s.logger.Info("清理凭据审计事件", zap.Int64("deleted", deleted), zap.Time("before", before))
	return nil
}
