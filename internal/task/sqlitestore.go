package task

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"ember/internal/bus"
	"ember/internal/logging"
	"ember/internal/shared/jsonx"
)

// SQLiteStore is the durable Store backend. A single connection serializes
// all writes; SQLite transactions make Transition and SpawnSubtasks atomic
// across restarts.
type SQLiteStore struct {
	db     *sql.DB
	events *bus.Bus
	logger logging.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, events *bus.Bus, logger logging.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		events: events,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			principal TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			execution_mode TEXT NOT NULL DEFAULT 'sequential',
			condition_json TEXT NOT NULL DEFAULT '{}',
			dependencies_json TEXT NOT NULL DEFAULT '[]',
			tolerate_failures INTEGER NOT NULL DEFAULT 0,
			input BLOB,
			output BLOB,
			error_json TEXT,
			requires_input INTEGER NOT NULL DEFAULT 0,
			waiting_for_input INTEGER NOT NULL DEFAULT 0,
			input_prompt TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			estimated_ns INTEGER NOT NULL DEFAULT 0,
			actual_ns INTEGER NOT NULL DEFAULT 0,
			seq INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS task_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_principal ON tasks(principal)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_task ON task_transitions(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const taskColumns = `id, parent_id, workflow_id, principal, conversation_id, title, description,
	kind, priority, status, execution_mode, condition_json, dependencies_json,
	tolerate_failures, input, output, error_json, requires_input, waiting_for_input,
	input_prompt, retry_count, max_retries, estimated_ns, actual_ns, seq,
	created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t             Task
		conditionJSON string
		depsJSON      string
		errorJSON     sql.NullString
		input         []byte
		output        []byte
		tolerate      int
		requires      int
		waiting       int
		estimatedNS   int64
		actualNS      int64
		startedAt     sql.NullTime
		completedAt   sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.ParentID, &t.WorkflowID, &t.Principal, &t.ConversationID,
		&t.Title, &t.Description, &t.Kind, &t.Priority, &t.Status,
		&t.ExecutionMode, &conditionJSON, &depsJSON, &tolerate, &input,
		&output, &errorJSON, &requires, &waiting, &t.InputPrompt,
		&t.RetryCount, &t.MaxRetries, &estimatedNS, &actualNS, &t.Seq,
		&t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if conditionJSON != "" && conditionJSON != "{}" {
		if err := jsonx.Unmarshal([]byte(conditionJSON), &t.Condition); err != nil {
			return nil, fmt.Errorf("decode condition: %w", err)
		}
	}
	if depsJSON != "" && depsJSON != "[]" {
		if err := jsonx.Unmarshal([]byte(depsJSON), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	if errorJSON.Valid && errorJSON.String != "" {
		t.Error = &Error{}
		if err := jsonx.Unmarshal([]byte(errorJSON.String), t.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	t.TolerateFailures = tolerate != 0
	t.RequiresInput = requires != 0
	t.WaitingForInput = waiting != 0
	t.Input = input
	t.Output = output
	t.EstimatedDuration = time.Duration(estimatedNS)
	t.ActualDuration = time.Duration(actualNS)
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

func (s *SQLiteStore) insertTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	conditionJSON, err := jsonx.Marshal(t.Condition)
	if err != nil {
		return fmt.Errorf("encode condition: %w", err)
	}
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := jsonx.Marshal(deps)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	var errorJSON any
	if t.Error != nil {
		raw, err := jsonx.Marshal(t.Error)
		if err != nil {
			return fmt.Errorf("encode error: %w", err)
		}
		errorJSON = string(raw)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ParentID, t.WorkflowID, t.Principal, t.ConversationID,
		t.Title, t.Description, string(t.Kind), t.Priority, string(t.Status),
		string(t.ExecutionMode), string(conditionJSON), string(depsJSON),
		boolInt(t.TolerateFailures), []byte(t.Input), []byte(t.Output), errorJSON,
		boolInt(t.RequiresInput), boolInt(t.WaitingForInput), t.InputPrompt,
		t.RetryCount, t.MaxRetries, int64(t.EstimatedDuration), int64(t.ActualDuration),
		t.Seq, t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func (s *SQLiteStore) nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM tasks`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64 + 1, nil
}

func (s *SQLiteStore) getTx(ctx context.Context, tx *sql.Tx, id string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// buildTask materializes a Spec into a pending Task, validating references
// inside the transaction.
func (s *SQLiteStore) buildTask(ctx context.Context, tx *sql.Tx, spec Spec) (*Task, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if spec.ParentID != "" {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, spec.ParentID).Scan(&exists); err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingParent, spec.ParentID)
		}
	}
	for _, dep := range spec.Dependencies {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, dep).Scan(&exists); err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingDep, dep)
		}
		if dep == id {
			return nil, ErrCycle
		}
	}

	mode := spec.ExecutionMode
	if mode == "" {
		mode = ModeSequential
	}
	seq, err := s.nextSeq(ctx, tx)
	if err != nil {
		return nil, err
	}

	return &Task{
		ID:                id,
		ParentID:          spec.ParentID,
		WorkflowID:        spec.WorkflowID,
		Principal:         spec.Principal,
		ConversationID:    spec.ConversationID,
		Title:             spec.Title,
		Description:       spec.Description,
		Kind:              spec.Kind,
		Priority:          spec.Priority,
		Status:            StatusPending,
		ExecutionMode:     mode,
		Condition:         spec.Condition,
		Dependencies:      append([]string(nil), spec.Dependencies...),
		TolerateFailures:  spec.TolerateFailures,
		Input:             spec.Input,
		RequiresInput:     spec.RequiresInput,
		MaxRetries:        spec.MaxRetries,
		EstimatedDuration: spec.EstimatedDur,
		Seq:               seq,
		CreatedAt:         s.now(),
	}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, spec Spec) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := s.buildTask(ctx, tx, spec)
	if err != nil {
		return nil, err
	}
	if err := s.insertTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	// Filtering in Go keeps filter semantics identical across backends.
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if filter.Matches(t) {
			out = append(out, t)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}

	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Priority != nil {
		if *patch.Priority < 0 {
			return nil, fmt.Errorf("priority %d out of range", *patch.Priority)
		}
		t.Priority = *patch.Priority
	}
	if patch.Input != nil {
		t.Input = patch.Input
	}
	if patch.Condition != nil {
		t.Condition = *patch.Condition
	}
	if patch.MaxRetries != nil {
		t.MaxRetries = *patch.MaxRetries
	}
	if patch.EstimatedDur != nil {
		t.EstimatedDuration = *patch.EstimatedDur
	}

	if err := s.replaceTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) replaceTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, t.ID); err != nil {
		return err
	}
	return s.insertTask(ctx, tx, t)
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to Status, opts ...TransitionOption) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrWrongFromStatus, id, t.Status, from)
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s → %s", ErrBadTransition, from, to)
	}

	params := ApplyTransitionOptions(opts)
	now := s.now()
	applyTransition(t, to, params, now)

	if err := s.replaceTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_transitions (task_id, from_status, to_status, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(from), string(to), params.Reason, now,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.Publish(TopicTransition, TransitionEvent{
			Task:   t,
			From:   from,
			To:     to,
			Reason: params.Reason,
		})
	}
	return t, nil
}

func (s *SQLiteStore) AddDependency(ctx context.Context, id, dependsOn string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := s.getTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	if _, err := s.getTx(ctx, tx, dependsOn); err != nil {
		return fmt.Errorf("%w: %s", ErrMissingDep, dependsOn)
	}
	for _, dep := range t.Dependencies {
		if dep == dependsOn {
			return tx.Commit()
		}
	}
	t.Dependencies = append(t.Dependencies, dependsOn)

	edges, err := s.dependencyEdges(ctx, tx)
	if err != nil {
		return err
	}
	edges[id] = t.Dependencies
	if hasCycle(edges, id) {
		return fmt.Errorf("%w: %s → %s", ErrCycle, id, dependsOn)
	}

	if err := s.replaceTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) dependencyEdges(ctx context.Context, tx *sql.Tx) (map[string][]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, dependencies_json FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges := make(map[string][]string)
	for rows.Next() {
		var id, depsJSON string
		if err := rows.Scan(&id, &depsJSON); err != nil {
			return nil, err
		}
		var deps []string
		if depsJSON != "" && depsJSON != "[]" {
			if err := jsonx.Unmarshal([]byte(depsJSON), &deps); err != nil {
				return nil, err
			}
		}
		edges[id] = deps
	}
	return edges, rows.Err()
}

func hasCycle(edges map[string][]string, start string) bool {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, dep := range edges[id] {
			if dep == start || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(start)
}

func (s *SQLiteStore) SpawnSubtasks(ctx context.Context, parentID string, specs []Spec, mode ExecutionMode) ([]*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	parent, err := s.getTx(ctx, tx, parentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingParent, parentID)
	}
	if parent.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, parentID)
	}
	if mode != "" && mode != parent.ExecutionMode {
		parent.ExecutionMode = mode
		if err := s.replaceTask(ctx, tx, parent); err != nil {
			return nil, err
		}
	}

	created := make([]*Task, 0, len(specs))
	var prev *Task
	for _, spec := range specs {
		spec.ParentID = parentID
		if spec.Principal == "" {
			spec.Principal = parent.Principal
		}
		if spec.ConversationID == "" {
			spec.ConversationID = parent.ConversationID
		}
		if spec.WorkflowID == "" {
			spec.WorkflowID = parent.WorkflowID
		}
		if parent.ExecutionMode == ModeSequential && prev != nil {
			spec.Dependencies = append(append([]string(nil), spec.Dependencies...), prev.ID)
		}
		t, err := s.buildTask(ctx, tx, spec)
		if err != nil {
			return nil, err
		}
		if err := s.insertTask(ctx, tx, t); err != nil {
			return nil, err
		}
		created = append(created, t)
		prev = t
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *SQLiteStore) Children(ctx context.Context, parentID string) ([]*Task, error) {
	return s.List(ctx, Filter{ParentID: parentID})
}

func (s *SQLiteStore) Transitions(ctx context.Context, id string) ([]Transition, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, from_status, to_status, reason, created_at
		 FROM task_transitions WHERE task_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var rec Transition
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.From, &rec.To, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkStaleRunning(ctx context.Context, reason string) error {
	running, err := s.List(ctx, Filter{Statuses: []Status{StatusRunning}})
	if err != nil {
		return err
	}
	for _, t := range running {
		if _, err := s.Transition(ctx, t.ID, StatusRunning, StatusFailed,
			WithReason(reason), WithError("stale", reason)); err != nil {
			s.logger.Warn("task: failed to mark stale task %s: %v", t.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ('completed','failed','cancelled') AND completed_at < ?`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM task_transitions WHERE task_id NOT IN (SELECT id FROM tasks)`)
	return int(n), nil
}
