package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gustavoflandal/manutflow/pkg/models"
	"github.com/gustavoflandal/manutflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Queryx(query string, args ...interface{}) (*sqlx.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveDefinition stores the definition document; the trigger_event and
// active columns are denormalized for trigger matching queries.
func (s *PostgresStore) SaveDefinition(d models.Definition) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal definition")
	}
	_, err = s.db.Exec(`
		INSERT INTO definitions (id, name, version, trigger_event, active, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = $2, version = $3, trigger_event = $4, active = $5, doc = $6, updated_at = $8`,
		d.ID, d.Name, d.Version, d.TriggerEvent, d.Active, doc, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDefinition(id string) (models.Definition, error) {
	var doc []byte
	err := s.db.QueryRowx("SELECT doc FROM definitions WHERE id = $1", id).Scan(&doc)
	if err == sql.ErrNoRows {
		return models.Definition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Definition{}, err
	}
	return unmarshalDefinition(doc)
}

func (s *PostgresStore) ListDefinitions() ([]models.Definition, error) {
	return s.selectDefinitions("SELECT doc FROM definitions ORDER BY created_at DESC")
}

func (s *PostgresStore) ListActiveDefinitionsByTrigger(event string) ([]models.Definition, error) {
	return s.selectDefinitions(
		"SELECT doc FROM definitions WHERE active AND trigger_event = $1 ORDER BY created_at", event)
}

func (s *PostgresStore) selectDefinitions(query string, args ...interface{}) ([]models.Definition, error) {
	rows, err := s.db.Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	defs := []models.Definition{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		d, err := unmarshalDefinition(doc)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (s *PostgresStore) SetDefinitionActive(id string, active bool) error {
	res, err := s.db.Exec(`
		UPDATE definitions
		SET active = $1,
		    doc = jsonb_set(doc, '{active}', to_jsonb($1::boolean)),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func unmarshalDefinition(doc []byte) (models.Definition, error) {
	var d models.Definition
	if err := json.Unmarshal(doc, &d); err != nil {
		return models.Definition{}, errors.Wrap(err, "unmarshal definition")
	}
	return d, nil
}

const instanceColumns = `id, definition_id, current_state, status, context, current_approval_level,
	escalation_count, last_escalated_at, deadline, origin_type, origin_id, owner,
	current_approver, version, created_at, updated_at`

func (s *PostgresStore) SaveInstance(inst models.Instance) error {
	ctxDoc, err := json.Marshal(inst.Context)
	if err != nil {
		return errors.Wrap(err, "marshal instance context")
	}
	_, err = s.db.Exec(`
		INSERT INTO instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		inst.ID, inst.DefinitionID, inst.CurrentState, inst.Status, ctxDoc,
		inst.CurrentApprovalLevel, inst.EscalationCount, inst.LastEscalatedAt,
		inst.Deadline, inst.OriginType, inst.OriginID, inst.Owner,
		inst.CurrentApprover, inst.Version, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(id string) (models.Instance, error) {
	row := s.db.QueryRowx("SELECT "+instanceColumns+" FROM instances WHERE id = $1", id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return models.Instance{}, storage.ErrNotFound
	}
	return inst, err
}

// UpdateInstance is the engine's compare-and-set: it applies only when the
// stored version matches, bumping the version in the same statement.
func (s *PostgresStore) UpdateInstance(inst models.Instance) error {
	ctxDoc, err := json.Marshal(inst.Context)
	if err != nil {
		return errors.Wrap(err, "marshal instance context")
	}
	res, err := s.db.Exec(`
		UPDATE instances
		SET current_state = $1, status = $2, context = $3, current_approval_level = $4,
		    escalation_count = $5, last_escalated_at = $6, deadline = $7, owner = $8,
		    current_approver = $9, updated_at = $10, version = version + 1
		WHERE id = $11 AND version = $12`,
		inst.CurrentState, inst.Status, ctxDoc, inst.CurrentApprovalLevel,
		inst.EscalationCount, inst.LastEscalatedAt, inst.Deadline, inst.Owner,
		inst.CurrentApprover, inst.UpdatedAt, inst.ID, inst.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.Get(&exists, "SELECT EXISTS (SELECT 1 FROM instances WHERE id = $1)", inst.ID); err != nil {
			return err
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) FindActiveInstanceByOrigin(originType, originID string) (models.Instance, error) {
	row := s.db.QueryRowx(`
		SELECT `+instanceColumns+` FROM instances
		WHERE origin_type = $1 AND origin_id = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1`,
		originType, originID, models.ActiveInstanceStatus)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return models.Instance{}, storage.ErrNotFound
	}
	return inst, err
}

func (s *PostgresStore) ListOverdueInstances(now time.Time) ([]models.Instance, error) {
	return s.selectInstances(`
		SELECT `+instanceColumns+` FROM instances
		WHERE status = $1 AND deadline IS NOT NULL AND deadline < $2
		ORDER BY deadline`, models.ActiveInstanceStatus, now)
}

func (s *PostgresStore) ListInstances() ([]models.Instance, error) {
	return s.selectInstances("SELECT " + instanceColumns + " FROM instances ORDER BY created_at DESC")
}

func (s *PostgresStore) selectInstances(query string, args ...interface{}) ([]models.Instance, error) {
	rows, err := s.db.Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	instances := []models.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (models.Instance, error) {
	var (
		inst   models.Instance
		ctxDoc []byte
	)
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.CurrentState, &inst.Status,
		&ctxDoc, &inst.CurrentApprovalLevel, &inst.EscalationCount,
		&inst.LastEscalatedAt, &inst.Deadline, &inst.OriginType, &inst.OriginID,
		&inst.Owner, &inst.CurrentApprover, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return models.Instance{}, err
	}
	if len(ctxDoc) > 0 {
		if err := json.Unmarshal(ctxDoc, &inst.Context); err != nil {
			return models.Instance{}, errors.Wrap(err, "unmarshal instance context")
		}
	}
	return inst, nil
}

// AppendHistory assigns the next sequence number for the instance in the
// insert itself, so the log stays gap-free and append-only.
func (s *PostgresStore) AppendHistory(e models.HistoryEntry) (models.HistoryEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	err := s.db.QueryRowx(`
		INSERT INTO instance_history (instance_id, seq, from_state, to_state, actor, note, created_at)
		VALUES ($1,
		        COALESCE((SELECT MAX(seq) FROM instance_history WHERE instance_id = $1), 0) + 1,
		        $2, $3, $4, $5, $6)
		RETURNING id, seq`,
		e.InstanceID, e.FromState, e.ToState, e.Actor, e.Note, e.CreatedAt).
		Scan(&e.ID, &e.Seq)
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("append history: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) GetHistory(instanceID string) ([]models.HistoryEntry, error) {
	entries := []models.HistoryEntry{}
	err := s.db.Select(&entries, `
		SELECT id, instance_id, seq, from_state, to_state, actor, note, created_at
		FROM instance_history WHERE instance_id = $1 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

const actionColumns = `id, instance_id, kind, config, status, attempts, max_attempts,
	scheduled_at, dependencies, priority, automatic, reversible, undo, result,
	error_msg, created_at, started_at, finished_at`

func (s *PostgresStore) SaveAction(a models.Action) error {
	_, err := s.db.Exec(`
		INSERT INTO actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		a.ID, a.InstanceID, a.Kind, nullableJSON(a.Config), a.Status, a.Attempts,
		a.MaxAttempts, a.ScheduledAt, pq.Array(a.Dependencies), a.Priority,
		a.Automatic, a.Reversible, nullableJSON(a.Undo), a.Result, a.ErrorMsg,
		a.CreatedAt, a.StartedAt, a.FinishedAt)
	if err != nil {
		return fmt.Errorf("save action: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAction(id string) (models.Action, error) {
	row := s.db.QueryRowx("SELECT "+actionColumns+" FROM actions WHERE id = $1", id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return models.Action{}, storage.ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) UpdateAction(a models.Action) error {
	res, err := s.db.Exec(`
		UPDATE actions
		SET status = $1, attempts = $2, scheduled_at = $3, undo = $4, result = $5,
		    error_msg = $6, started_at = $7, finished_at = $8
		WHERE id = $9`,
		a.Status, a.Attempts, a.ScheduledAt, nullableJSON(a.Undo), a.Result,
		a.ErrorMsg, a.StartedAt, a.FinishedAt, a.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ClaimAction is the single-writer gate: only one caller can move an action
// out of PENDING/SCHEDULED, and the attempt counter advances in the same
// statement.
func (s *PostgresStore) ClaimAction(id string, startedAt time.Time) (models.Action, error) {
	row := s.db.QueryRowx(`
		UPDATE actions
		SET status = $1, attempts = attempts + 1, started_at = $2
		WHERE id = $3 AND status IN ($4, $5)
		RETURNING `+actionColumns,
		models.RunningActionStatus, startedAt, id,
		models.PendingActionStatus, models.ScheduledActionStatus)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		var exists bool
		if getErr := s.db.Get(&exists, "SELECT EXISTS (SELECT 1 FROM actions WHERE id = $1)", id); getErr != nil {
			return models.Action{}, getErr
		}
		if !exists {
			return models.Action{}, storage.ErrNotFound
		}
		return models.Action{}, storage.ErrNotClaimable
	}
	return a, err
}

func (s *PostgresStore) ListReadyActions(now time.Time) ([]models.Action, error) {
	rows, err := s.db.Queryx(`
		SELECT `+actionColumns+` FROM actions
		WHERE status = $1 OR (status = $2 AND (scheduled_at IS NULL OR scheduled_at <= $3))
		ORDER BY priority DESC, created_at`,
		models.PendingActionStatus, models.ScheduledActionStatus, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

func (s *PostgresStore) ListActionsByInstance(instanceID string) ([]models.Action, error) {
	rows, err := s.db.Queryx(
		"SELECT "+actionColumns+" FROM actions WHERE instance_id = $1 ORDER BY created_at", instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

func collectActions(rows *sqlx.Rows) ([]models.Action, error) {
	actions := []models.Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func scanAction(row rowScanner) (models.Action, error) {
	var (
		a      models.Action
		config []byte
		undo   []byte
		deps   pq.StringArray
	)
	err := row.Scan(&a.ID, &a.InstanceID, &a.Kind, &config, &a.Status, &a.Attempts,
		&a.MaxAttempts, &a.ScheduledAt, &deps, &a.Priority, &a.Automatic,
		&a.Reversible, &undo, &a.Result, &a.ErrorMsg, &a.CreatedAt, &a.StartedAt,
		&a.FinishedAt)
	if err != nil {
		return models.Action{}, err
	}
	a.Config = config
	a.Undo = undo
	a.Dependencies = deps
	return a, nil
}

// nullableJSON keeps empty payloads as SQL NULL instead of invalid ''::jsonb.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
