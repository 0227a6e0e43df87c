package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "TaskFlow-Engine/internal/errors"
)

// MySQLConfig 描述 MySQL 任务存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

const baseTaskColumns = `id, version, type, sub_type, status, priority`

const fullTaskColumns = `id, version, type, sub_type, status, priority, data, next_event_time, state_time,
        processing_client_id, processing_start_time, processing_tries_count, time_created, time_updated`

// NewMySQLStore 创建一个新的 MySQLStore。DSN 中的时间解析与时区会被强制为 UTC。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &MySQLStore{db: db, now: time.Now}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 MySQL DSN 失败")
	}
	dsn.ParseTime = true
	dsn.Loc = time.UTC

	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 MySQL 连接器失败")
	}
	db := sql.OpenDB(connector)

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == uuid.Nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if !task.Status.Valid() {
		return xerrors.New(CodeTaskUnknownStatus, "未知的任务状态 "+string(task.Status))
	}

	now := s.now().UTC()
	if task.TimeCreated.IsZero() {
		task.TimeCreated = now
	}
	if task.StateTime.IsZero() {
		task.StateTime = now
	}
	if task.NextEventTime.IsZero() {
		task.NextEventTime = now
	}
	task.TimeUpdated = now

	const stmt = `INSERT INTO task
        (id, version, type, sub_type, status, priority, data, next_event_time, state_time,
        processing_client_id, processing_start_time, processing_tries_count, time_created, time_updated)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var startTime sql.NullTime
	if task.ProcessingStartTime != nil {
		startTime = sql.NullTime{Time: task.ProcessingStartTime.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, stmt,
		uuidBytes(task.ID),
		task.Version,
		task.Type,
		task.SubType,
		string(task.Status),
		task.Priority,
		task.Data,
		task.NextEventTime.UTC(),
		task.StateTime.UTC(),
		task.ProcessingClientID,
		startTime,
		task.ProcessingTriesCount,
		task.TimeCreated.UTC(),
		task.TimeUpdated,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskAlreadyExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fullTaskColumns+` FROM task WHERE id = ?`, uuidBytes(id))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

// GetStuckTasks 多取一行用于判断是否还有下一页，翻页以 (next_event_time, id) 为游标。
func (s *MySQLStore) GetStuckTasks(ctx context.Context, batchSize int, after *PageCursor, statuses ...Status) (StuckTasksPage, error) {
	if batchSize <= 0 {
		return StuckTasksPage{}, xerrors.New(xerrors.CodeInvalidArgument, "batchSize 必须大于 0")
	}
	if len(statuses) == 0 {
		return StuckTasksPage{}, nil
	}

	args := make([]any, 0, len(statuses)+5)
	for _, status := range statuses {
		if !status.Valid() {
			return StuckTasksPage{}, xerrors.New(CodeTaskUnknownStatus, "未知的任务状态 "+string(status))
		}
		args = append(args, string(status))
	}
	args = append(args, s.now().UTC())
	if after != nil {
		cursorTime := after.NextEventTime.UTC()
		args = append(args, cursorTime, cursorTime, uuidBytes(after.ID))
	}
	args = append(args, batchSize+1)

	rows, err := s.db.QueryContext(ctx, stuckTasksQuery(len(statuses), after != nil), args...)
	if err != nil {
		return StuckTasksPage{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询卡住的任务失败")
	}
	defer rows.Close()

	tasks, cursors, err := scanPagedTasks(rows)
	if err != nil {
		return StuckTasksPage{}, err
	}
	page := StuckTasksPage{HasMore: len(tasks) > batchSize}
	if page.HasMore {
		tasks = tasks[:batchSize]
		page.Next = cursors[batchSize-1]
	}
	page.Tasks = tasks
	return page, nil
}

func stuckTasksQuery(statusCount int, paged bool) string {
	query := `SELECT ` + baseTaskColumns + `, next_event_time FROM task WHERE status IN (` + placeholders(statusCount) + `)
        AND next_event_time < ?`
	if paged {
		query += ` AND (next_event_time > ? OR (next_event_time = ? AND id > ?))`
	}
	return query + ` ORDER BY next_event_time, id LIMIT ?`
}

// GetWaitingTasks 实现 Store 接口。
func (s *MySQLStore) GetWaitingTasks(ctx context.Context, batchSize int, after *PageCursor) (StuckTasksPage, error) {
	return s.GetStuckTasks(ctx, batchSize, after, StatusWaiting)
}

// SetStatus 仅在版本匹配时更新状态。
func (s *MySQLStore) SetStatus(ctx context.Context, id uuid.UUID, status Status, expectedVersion int64) (UpdateResult, error) {
	if !status.Valid() {
		return UpdateVersionConflict, xerrors.New(CodeTaskUnknownStatus, "未知的任务状态 "+string(status))
	}
	const stmt = `UPDATE task SET status = ?, state_time = ?, time_updated = ?, version = version + 1
        WHERE id = ? AND version = ?`

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, stmt, string(status), now, now, uuidBytes(id), expectedVersion)
	if err != nil {
		return UpdateVersionConflict, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	return updateResult(res)
}

// MarkAsSubmittedAndSetNextEventTime 仅在版本匹配时将任务改为 SUBMITTED。
func (s *MySQLStore) MarkAsSubmittedAndSetNextEventTime(ctx context.Context, version VersionID, nextEventTime time.Time) (UpdateResult, error) {
	const stmt = `UPDATE task SET status = ?, next_event_time = ?, state_time = ?, time_updated = ?, version = version + 1
        WHERE id = ? AND version = ?`

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusSubmitted),
		nextEventTime.UTC(),
		now,
		now,
		uuidBytes(version.ID),
		version.Version,
	)
	if err != nil {
		return UpdateVersionConflict, xerrors.Wrap(xerrors.CodeStorageFailure, err, "重新提交任务失败")
	}
	return updateResult(res)
}

// PrepareStuckOnProcessingTasksForResuming 逐条以版本为条件更新，丢弃并发修改过的任务。
func (s *MySQLStore) PrepareStuckOnProcessingTasksForResuming(ctx context.Context, clientID string, maxStuckTime time.Time) ([]BaseTask, error) {
	const query = `SELECT ` + baseTaskColumns + ` FROM task WHERE status = ? AND processing_client_id = ?
        ORDER BY next_event_time`

	rows, err := s.db.QueryContext(ctx, query, string(StatusProcessing), clientID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询本节点处理中的任务失败")
	}
	candidates, err := scanBaseTasks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	resumed := make([]BaseTask, 0, len(candidates))
	for _, candidate := range candidates {
		result, err := s.MarkAsSubmittedAndSetNextEventTime(ctx, candidate.VersionID(), maxStuckTime)
		if err != nil {
			return resumed, err
		}
		if result != UpdateApplied {
			continue
		}
		candidate.Version++
		candidate.Status = StatusSubmitted
		resumed = append(resumed, candidate)
	}
	return resumed, nil
}

// FindTasks 实现 Store 接口。
func (s *MySQLStore) FindTasks(ctx context.Context, filter Filter) ([]*Task, error) {
	clause, args := buildFilterClause(filter)
	query := `SELECT ` + fullTaskColumns + ` FROM task`
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " ORDER BY time_created, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DeleteTasks 实现 Store 接口。
func (s *MySQLStore) DeleteTasks(ctx context.Context, filter Filter) (int64, error) {
	clause, args := buildFilterClause(filter)
	stmt := `DELETE FROM task`
	if clause != "" {
		stmt += " WHERE " + clause
	}
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return deleted, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func updateResult(res sql.Result) (UpdateResult, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return UpdateVersionConflict, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return UpdateVersionConflict, nil
	}
	return UpdateApplied, nil
}

func scanBaseTasks(rows *sql.Rows) ([]BaseTask, error) {
	tasks := make([]BaseTask, 0)
	for rows.Next() {
		var (
			rawID  []byte
			status string
			task   BaseTask
		)
		if err := rows.Scan(&rawID, &task.Version, &task.Type, &task.SubType, &status, &task.Priority); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		id, err := uuid.FromBytes(rawID)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 ID 失败")
		}
		task.ID = id
		if task.Status, err = ParseStatus(status); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// scanPagedTasks 解析分页查询的结果，同时返回每一行的排序位置。
func scanPagedTasks(rows *sql.Rows) ([]BaseTask, []PageCursor, error) {
	tasks := make([]BaseTask, 0)
	cursors := make([]PageCursor, 0)
	for rows.Next() {
		var (
			rawID         []byte
			status        string
			nextEventTime time.Time
			task          BaseTask
		)
		if err := rows.Scan(&rawID, &task.Version, &task.Type, &task.SubType, &status, &task.Priority, &nextEventTime); err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		id, err := uuid.FromBytes(rawID)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 ID 失败")
		}
		task.ID = id
		if task.Status, err = ParseStatus(status); err != nil {
			return nil, nil, err
		}
		tasks = append(tasks, task)
		cursors = append(cursors, PageCursor{NextEventTime: nextEventTime, ID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, cursors, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	tasks := make([]*Task, 0)
	for rows.Next() {
		var (
			rawID     []byte
			status    string
			startTime sql.NullTime
			task      Task
		)
		if err := rows.Scan(
			&rawID,
			&task.Version,
			&task.Type,
			&task.SubType,
			&status,
			&task.Priority,
			&task.Data,
			&task.NextEventTime,
			&task.StateTime,
			&task.ProcessingClientID,
			&startTime,
			&task.ProcessingTriesCount,
			&task.TimeCreated,
			&task.TimeUpdated,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		id, err := uuid.FromBytes(rawID)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 ID 失败")
		}
		task.ID = id
		if task.Status, err = ParseStatus(status); err != nil {
			return nil, err
		}
		if startTime.Valid {
			ts := startTime.Time
			task.ProcessingStartTime = &ts
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

func buildFilterClause(filter Filter) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, len(filter.Statuses)+2)

	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.SubType != "" {
		conditions = append(conditions, "sub_type = ?")
		args = append(args, filter.SubType)
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(filter.Statuses))))
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// uuidBytes 以 BINARY(16) 形式传参；uuid.UUID 自身的 driver.Valuer 会输出字符串。
func uuidBytes(id uuid.UUID) []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

var _ Store = (*MySQLStore)(nil)
