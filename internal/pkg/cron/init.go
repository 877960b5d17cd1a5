package cron

import (
	"fmt"
	log "log/slog"
)

// InitCron 注册迁移恢复任务并启动引擎
func InitCron(mgr *Manager) error {
	log.Info("Migration recovery cron starting", "spec", mgr.recoverySpec)
	if err := mgr.RegisterJobs(); err != nil {
		return fmt.Errorf("register migration recovery job %q: %w", mgr.recoverySpec, err)
	}
	mgr.Start()
	for _, e := range mgr.engine.Entries() {
		log.Info("Migration recovery scheduled", "entry", e.ID, "next", e.Next)
	}
	return nil
}
