package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/wangyingjie930/nexus-enrich/constants"
	"github.com/wangyingjie930/nexus-enrich/logger"
)

// Locker 是分布式互斥锁，保证同一时刻只有一个实例执行维护任务
type Locker interface {
	// TryLock 获取锁失败（被其他实例持有）时返回 acquired=false 且 err=nil
	TryLock(ctx context.Context, resource string) (unlock func(), acquired bool, err error)
}

// SchedulerConfig 是后台循环的参数
type SchedulerConfig struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	StaleAfter    time.Duration
	// Retention 为 0 时不清理已完成的记录
	Retention time.Duration
	Batch     BatchOptions
}

// Scheduler 是一个后台任务，周期性地运行批处理与回收
type Scheduler struct {
	processor *Processor
	sweeper   *Sweeper
	locker    Locker
	cfg       SchedulerConfig
}

// NewScheduler 创建调度器，locker 为 nil 时每个实例都会执行维护任务
func NewScheduler(processor *Processor, sweeper *Sweeper, locker Locker, cfg SchedulerConfig) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	return &Scheduler{
		processor: processor,
		sweeper:   sweeper,
		locker:    locker,
		cfg:       cfg,
	}
}

// Start 启动调度器。它会阻塞直到上下文被取消。
func (s *Scheduler) Start(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Dur("sweep_interval", s.cfg.SweepInterval).
		Msg("starting enrichment scheduler")

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping enrichment scheduler")
			return nil
		case <-poll.C:
			log.Debug().Msg("scheduler tick: running batch")
			s.runBatch(ctx)
		case <-sweep.C:
			log.Debug().Msg("scheduler tick: running maintenance")
			s.maintain(ctx)
		}
	}
}

func (s *Scheduler) runBatch(ctx context.Context) {
	_, err := s.processor.RunBatch(ctx, s.cfg.Batch)
	switch {
	case errors.Is(err, ErrBusy):
		logger.Ctx(ctx).Debug().Msg("previous batch still running, tick skipped")
	case err != nil:
		logger.Ctx(ctx).Error().Err(err).Msg("error during batch run")
	}
}

// maintain 执行回收与清理，配置了 Locker 时只有持锁的实例执行
func (s *Scheduler) maintain(ctx context.Context) {
	log := logger.Ctx(ctx)
	if s.locker != nil {
		unlock, acquired, err := s.locker.TryLock(ctx, constants.MaintenanceLock)
		if err != nil {
			log.Error().Err(err).Msg("failed to acquire maintenance lock")
			return
		}
		if !acquired {
			log.Debug().Msg("maintenance lock held by another instance")
			return
		}
		defer unlock()
	}

	if _, err := s.sweeper.SweepStalled(ctx, s.cfg.StaleAfter); err != nil {
		log.Error().Err(err).Msg("error during stalled sweep")
	}
	if s.cfg.Retention > 0 {
		if _, err := s.sweeper.CleanupCompleted(ctx, s.cfg.Retention); err != nil {
			log.Error().Err(err).Msg("error during completed cleanup")
		}
	}
}
