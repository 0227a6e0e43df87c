package resumer

import (
	"fmt"
	"log/slog"
)

// Resolution 是单个任务的处理结果。
type Resolution int

const (
	ResolutionNone Resolution = iota
	ResolutionResumed
	ResolutionMarkedError
	ResolutionMarkedFailed
	ResolutionIgnored
	// ResolutionConflict 表示版本条件不满足，本轮放弃该任务。
	ResolutionConflict
)

func (r Resolution) String() string {
	switch r {
	case ResolutionNone:
		return "none"
	case ResolutionResumed:
		return "resumed"
	case ResolutionMarkedError:
		return "marked_error"
	case ResolutionMarkedFailed:
		return "marked_failed"
	case ResolutionIgnored:
		return "ignored"
	case ResolutionConflict:
		return "conflict"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// CycleStats 汇总一轮扫描的结果。
type CycleStats struct {
	Pages     int
	Resumed   int
	Errored   int
	Failed    int
	Ignored   int
	Conflicts int
	// Unresolved 是因策略取值不受支持而未处理的任务数。
	Unresolved int
	// Stopped 表示扫描因停止信号提前返回。
	Stopped bool
	// Err 非空表示扫描因存储错误或 panic 中止。
	Err error
}

func (s *CycleStats) record(res Resolution) {
	switch res {
	case ResolutionResumed:
		s.Resumed++
	case ResolutionMarkedError:
		s.Errored++
	case ResolutionMarkedFailed:
		s.Failed++
	case ResolutionIgnored:
		s.Ignored++
	case ResolutionConflict:
		s.Conflicts++
	}
}

// Handled 返回本轮处理过的任务数。
func (s CycleStats) Handled() int {
	return s.Resumed + s.Errored + s.Failed + s.Ignored + s.Conflicts + s.Unresolved
}

func (s CycleStats) attrs() []any {
	return []any{
		slog.Int("pages", s.Pages),
		slog.Int("resumed", s.Resumed),
		slog.Int("marked_error", s.Errored),
		slog.Int("marked_failed", s.Failed),
		slog.Int("ignored", s.Ignored),
		slog.Int("conflicts", s.Conflicts),
		slog.Int("unresolved", s.Unresolved),
		slog.Bool("stopped", s.Stopped),
	}
}
