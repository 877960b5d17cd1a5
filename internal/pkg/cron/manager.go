package cron

import (
	"Kaarigar/internal/job"
	log "log/slog"

	"github.com/robfig/cron/v3"
)

type Manager struct {
	engine       *cron.Cron
	recoverySpec string
	recoveryJob  *job.MigrationRecoveryJob
}

func NewCronManager(recoverySpec string, recoveryJob *job.MigrationRecoveryJob) *Manager {
	return &Manager{
		engine:       cron.New(cron.WithSeconds()),
		recoverySpec: recoverySpec,
		recoveryJob:  recoveryJob,
	}
}

// RegisterJobs 注册定时任务
func (s *Manager) RegisterJobs() error {
	if _, err := s.engine.AddJob(s.recoverySpec, s.recoveryJob); err != nil {
		return err
	}
	return nil
}

func (s *Manager) Start() {
	log.Info("Cron 定时任务引擎启动")
	s.engine.Start()
}

// Stop 等待执行中的任务结束
func (s *Manager) Stop() {
	log.Info("Cron 定时任务引擎停止")
	<-s.engine.Stop().Done()
}
