package task

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"TaskFlow-Engine/deploy/migrations"
	xerrors "TaskFlow-Engine/internal/errors"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: func() time.Time { return fixedNow }}
}

var baseColumns = []string{"id", "version", "type", "sub_type", "status", "priority"}

var pagedColumns = append(append([]string(nil), baseColumns...), "next_event_time")

func baseRow(id uuid.UUID, version int64, status Status) []driver.Value {
	return []driver.Value{uuidBytes(id), version, "payout", "", string(status), int64(5)}
}

func pagedRow(id uuid.UUID, version int64, status Status, nextEventTime time.Time) []driver.Value {
	return append(baseRow(id, version, status), nextEventTime)
}

func TestMySQLStoreGetStuckTasksReportsMorePages(t *testing.T) {
	t.Parallel()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	due := []time.Time{fixedNow.Add(-3 * time.Minute), fixedNow.Add(-2 * time.Minute), fixedNow.Add(-time.Minute)}
	rows := mockRowsData{columns: pagedColumns, values: [][]driver.Value{
		pagedRow(ids[0], 1, StatusProcessing, due[0]),
		pagedRow(ids[1], 4, StatusNew, due[1]),
		pagedRow(ids[2], 2, StatusSubmitted, due[2]),
	}}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(stuckTasksQuery(3, false), rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestMySQLStore(db)
	page, err := store.GetStuckTasks(context.Background(), 2, nil, StatusNew, StatusSubmitted, StatusProcessing)
	if err != nil {
		t.Fatalf("get stuck tasks: %v", err)
	}
	if !page.HasMore {
		t.Fatalf("expected more pages")
	}
	if len(page.Tasks) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page.Tasks))
	}
	if page.Tasks[0].ID != ids[0] || page.Tasks[0].Status != StatusProcessing || page.Tasks[0].Version != 1 {
		t.Fatalf("unexpected first task: %+v", page.Tasks[0])
	}
	if page.Tasks[1].ID != ids[1] || page.Tasks[1].Version != 4 {
		t.Fatalf("unexpected second task: %+v", page.Tasks[1])
	}
	if page.Next.ID != ids[1] || !page.Next.NextEventTime.Equal(due[1]) {
		t.Fatalf("cursor should point at the last returned task, got %+v", page.Next)
	}
}

func TestMySQLStoreGetStuckTasksContinuesAfterCursor(t *testing.T) {
	t.Parallel()

	cursor := PageCursor{NextEventTime: fixedNow.Add(-2 * time.Minute), ID: uuid.New()}
	later := uuid.New()
	db, drv := newMockDB(t, []mockOperation{
		queryOp(stuckTasksQuery(1, true), mockRowsData{columns: pagedColumns, values: [][]driver.Value{
			pagedRow(later, 1, StatusNew, fixedNow.Add(-time.Minute)),
		}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	page, err := newTestMySQLStore(db).GetStuckTasks(context.Background(), 2, &cursor, StatusNew)
	if err != nil {
		t.Fatalf("get stuck tasks: %v", err)
	}
	if page.HasMore || len(page.Tasks) != 1 || page.Tasks[0].ID != later {
		t.Fatalf("unexpected page: %+v", page)
	}

	args := drv.ops[0].args
	if len(args) != 6 {
		t.Fatalf("expected status, now, cursor and limit args, got %d", len(args))
	}
	if got, ok := args[2].Value.(time.Time); !ok || !got.Equal(cursor.NextEventTime) {
		t.Fatalf("unexpected cursor time arg: %v", args[2].Value)
	}
	if got, ok := args[4].Value.([]byte); !ok || string(got) != string(uuidBytes(cursor.ID)) {
		t.Fatalf("unexpected cursor id arg: %v", args[4].Value)
	}
	if args[5].Value != int64(3) {
		t.Fatalf("expected limit of batch size + 1, got %v", args[5].Value)
	}
}

func TestMySQLStoreRejectsUnknownStoredStatus(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{columns: pagedColumns, values: [][]driver.Value{
		{uuidBytes(uuid.New()), int64(1), "payout", "", "PAUSED", int64(5), fixedNow},
	}}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(stuckTasksQuery(1, false), rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := newTestMySQLStore(db).GetWaitingTasks(context.Background(), 10, nil)
	if !xerrors.HasCode(err, CodeTaskUnknownStatus) {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestMySQLStoreSetStatusIsVersionConditioned(t *testing.T) {
	t.Parallel()

	const stmt = `UPDATE task SET status = ?, state_time = ?, time_updated = ?, version = version + 1
        WHERE id = ? AND version = ?`
	db, drv := newMockDB(t, []mockOperation{
		execOp(stmt, mockResult{rowsAffected: 0}),
		execOp(stmt, mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestMySQLStore(db)
	id := uuid.New()
	result, err := store.SetStatus(context.Background(), id, StatusError, 3)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if result != UpdateVersionConflict {
		t.Fatalf("expected version conflict, got %s", result)
	}
	result, err = store.SetStatus(context.Background(), id, StatusError, 4)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if result != UpdateApplied {
		t.Fatalf("expected applied, got %s", result)
	}
}

func TestMySQLStoreSetStatusRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, nil)
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := newTestMySQLStore(db).SetStatus(context.Background(), uuid.New(), Status("LOST"), 1)
	if !xerrors.HasCode(err, CodeTaskUnknownStatus) {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execErrOp(insertTaskSQL(), &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := newTestMySQLStore(db).Create(context.Background(), &Task{ID: uuid.New(), Type: "payout", Status: StatusSubmitted})
	if !stdErrors.Is(err, ErrTaskAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestMySQLStoreGetTask(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	rows := mockRowsData{
		columns: []string{"id", "version", "type", "sub_type", "status", "priority", "data", "next_event_time",
			"state_time", "processing_client_id", "processing_start_time", "processing_tries_count", "time_created", "time_updated"},
		values: [][]driver.Value{{
			uuidBytes(id), int64(7), "payout", "eur", "PROCESSING", int64(3), []byte(`{"amount":1}`),
			fixedNow, fixedNow, "node-1", fixedNow.Add(-time.Minute), int64(2), fixedNow, fixedNow,
		}},
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+fullTaskColumns+` FROM task WHERE id = ?`, rows),
		queryOp(`SELECT `+fullTaskColumns+` FROM task WHERE id = ?`, mockRowsData{columns: rows.columns}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestMySQLStore(db)
	task, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.ID != id || task.SubType != "eur" || task.ProcessingClientID != "node-1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.ProcessingStartTime == nil || task.ProcessingTriesCount != 2 {
		t.Fatalf("processing fields not scanned: %+v", task)
	}
	if _, err := store.Get(context.Background(), uuid.New()); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStorePrepareStuckOnProcessingTasksSkipsConflicts(t *testing.T) {
	t.Parallel()

	first, second := uuid.New(), uuid.New()
	rows := mockRowsData{columns: baseColumns, values: [][]driver.Value{
		baseRow(first, 5, StatusProcessing),
		baseRow(second, 8, StatusProcessing),
	}}
	const markStmt = `UPDATE task SET status = ?, next_event_time = ?, state_time = ?, time_updated = ?, version = version + 1
        WHERE id = ? AND version = ?`
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+baseTaskColumns+` FROM task WHERE status = ? AND processing_client_id = ?
        ORDER BY next_event_time`, rows),
		execOp(markStmt, mockResult{rowsAffected: 1}),
		execOp(markStmt, mockResult{rowsAffected: 0}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	resumed, err := newTestMySQLStore(db).PrepareStuckOnProcessingTasksForResuming(context.Background(), "node-1", fixedNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(resumed) != 1 {
		t.Fatalf("expected 1 resumed task, got %d", len(resumed))
	}
	if resumed[0].ID != first || resumed[0].Version != 6 || resumed[0].Status != StatusSubmitted {
		t.Fatalf("unexpected resumed task: %+v", resumed[0])
	}
}

func TestMySQLStoreDeleteTasksWithFilter(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(`DELETE FROM task WHERE type = ? AND status IN (?,?)`, mockResult{rowsAffected: 4}),
		execOp(`DELETE FROM task`, mockResult{rowsAffected: 9}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newTestMySQLStore(db)
	deleted, err := store.DeleteTasks(context.Background(), Filter{Type: "payout", Statuses: []Status{StatusDone, StatusFailed}})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 4 {
		t.Fatalf("expected 4 deleted, got %d", deleted)
	}
	if deleted, err = store.DeleteTasks(context.Background(), Filter{}); err != nil || deleted != 9 {
		t.Fatalf("unexpected delete all result: %d %v", deleted, err)
	}
}

func TestMySQLStoreMigrate(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
	}
	for _, stmt := range readMigrationStatements() {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := newTestMySQLStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestMySQLStoreMigrateSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := newTestMySQLStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func insertTaskSQL() string {
	return `INSERT INTO task
        (id, version, type, sub_type, status, priority, data, next_event_time, state_time,
        processing_client_id, processing_start_time, processing_tries_count, time_created, time_updated)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func readMigrationStatements() []string {
	content, err := migrations.Files.ReadFile("0001_create_task.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
	args   []driver.NamedValue
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-task-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func execErrOp(query string, err error) mockOperation {
	return mockOperation{typ: opExec, query: query, err: err}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	op.args = args
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
