package job

import (
	"Kaarigar/internal/pkg/logger"
	"context"
	log "log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StaleRecoverer 恢复中断的迁移流水
type StaleRecoverer interface {
	RecoverStale(ctx context.Context) (int, error)
}

type MigrationRecoveryJob struct {
	recoverer StaleRecoverer
	timeout   time.Duration
	running   atomic.Bool
}

func NewMigrationRecoveryJob(recoverer StaleRecoverer, timeout time.Duration) *MigrationRecoveryJob {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &MigrationRecoveryJob{recoverer: recoverer, timeout: timeout}
}

func (s *MigrationRecoveryJob) Run() {
	// 上一轮未结束时跳过
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	traceID := "job-migration-" + uuid.NewString()
	ctx, cancel := context.WithTimeout(logger.WithTraceID(context.Background(), traceID), s.timeout)
	defer cancel()

	start := time.Now()
	resumed, err := s.recoverer.RecoverStale(ctx)
	if err != nil {
		log.ErrorContext(ctx, "MigrationRecoveryJob failed", "err", err, "resumed", resumed)
		return
	}
	if resumed > 0 {
		log.InfoContext(ctx, "MigrationRecoveryJob finished", "resumed", resumed, "latency", time.Since(start))
	}
}
