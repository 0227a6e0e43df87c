package leader

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	xerrors "TaskFlow-Engine/internal/errors"
	"TaskFlow-Engine/pkg/logger"
)

// CoordinatorCheck 控制启动前对协调服务的连通性检查。
type CoordinatorCheck struct {
	// Block 为 true 时一直等待直到协调服务可达或 ctx 结束。
	Block    bool
	Attempts int
	Interval time.Duration
	Timeout  time.Duration
}

// WaitForCoordinator 检查协调服务是否可达。非阻塞模式下达到重试次数仍不可达时返回
// COORDINATION_FAILURE，由调用方决定是否继续启动。
func WaitForCoordinator(ctx context.Context, lock Lock, check CoordinatorCheck) error {
	if check.Attempts <= 0 {
		check.Attempts = 5
	}
	if check.Interval <= 0 {
		check.Interval = time.Second
	}
	if check.Timeout <= 0 {
		check.Timeout = 5 * time.Second
	}

	log := logger.Named("leader")
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		err := lock.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !check.Block && attempt >= check.Attempts {
			return xerrors.Wrap(xerrors.CodeCoordinationFailure, err, "协调服务不可达",
				xerrors.WithMetadata("attempts", strconv.Itoa(attempt)))
		}
		log.Warn("等待协调服务可用", slog.Int("attempt", attempt), slog.Bool("block", check.Block), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeCoordinationFailure, ctx.Err(), "等待协调服务被取消")
		case <-time.After(check.Interval):
		}
	}
}
