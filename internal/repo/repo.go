package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"veriflow/internal/config"
	"veriflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a sqlite unique-constraint
// failure. Used by the engine to turn index races into conflicts.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}

// IsBusy reports whether err is sqlite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func (r Repo) InsertCycle(ctx context.Context, tx *sql.Tx, c domain.Cycle) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cycles(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Name, c.Status, nullable(c.Description), c.CreatedAt)
	return err
}

func (r Repo) GetCycle(ctx context.Context, id int64) (domain.Cycle, error) {
	var c domain.Cycle
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM cycles WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Status, &desc, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if desc.Valid {
		c.Description = desc.String
	}
	return c, err
}

func (r Repo) SingleCycle(ctx context.Context) (domain.Cycle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,'') AS description,created_at FROM cycles`)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer rows.Close()
	var cycles []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.Description, &c.CreatedAt); err != nil {
			return domain.Cycle{}, err
		}
		cycles = append(cycles, c)
	}
	if len(cycles) == 0 {
		return domain.Cycle{}, ErrNotFound
	}
	if len(cycles) > 1 {
		return domain.Cycle{}, fmt.Errorf("multiple cycles exist; specify --cycle")
	}
	return cycles[0], nil
}

func (r Repo) ListCycles(ctx context.Context) ([]domain.Cycle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,'') AS description,created_at FROM cycles ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,name,line_of_business,owner_id,created_at) VALUES (?,?,?,?,?)`,
		rep.ID, rep.Name, nullable(rep.LineOfBusiness), nullable(rep.OwnerID), rep.CreatedAt)
	return err
}

func (r Repo) GetReport(ctx context.Context, id int64) (domain.Report, error) {
	var rep domain.Report
	var lob, owner sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,line_of_business,owner_id,created_at FROM reports WHERE id=?`, id).
		Scan(&rep.ID, &rep.Name, &lob, &owner, &rep.CreatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if lob.Valid {
		rep.LineOfBusiness = lob.String
	}
	if owner.Valid {
		rep.OwnerID = owner.String
	}
	return rep, err
}

func (r Repo) ListReports(ctx context.Context) ([]domain.Report, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(line_of_business,''),COALESCE(owner_id,''),created_at FROM reports ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		var rep domain.Report
		if err := rows.Scan(&rep.ID, &rep.Name, &rep.LineOfBusiness, &rep.OwnerID, &rep.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID, now string) error {
	if userID == "" {
		return errors.New("user id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,display_name,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &name, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if name.Valid {
		u.DisplayName = name.String
	}
	return u, err
}

func (r Repo) UpsertCycleConfig(ctx context.Context, cycleID int64, cfg *config.Config) error {
	return upsertCycleConfig(ctx, r.DB, nil, cycleID, cfg)
}

func (r Repo) UpsertCycleConfigTx(ctx context.Context, tx *sql.Tx, cycleID int64, cfg *config.Config) error {
	return upsertCycleConfig(ctx, nil, tx, cycleID, cfg)
}

func upsertCycleConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cycleID int64, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Cycle.ID = cycleID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO cycle_configs(cycle_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(cycle_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, cycleID, string(payload), now, now)
	return err
}

func (r Repo) GetCycleConfig(ctx context.Context, cycleID int64) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM cycle_configs WHERE cycle_id=?`, cycleID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Cycle.ID == 0 {
		cfg.Cycle.ID = cycleID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cycleID int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, cycleID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, cycleID int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if cycleID != 0 {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,cycle_id,entity_kind,entity_id,actor_id,payload_json FROM audit_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, cycleID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cycleID != 0 {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,cycle_id,entity_kind,entity_id,actor_id,payload_json FROM audit_events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

func (r Repo) scanEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var cycleID sql.NullInt64
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &cycleID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if cycleID.Valid {
			e.CycleID = cycleID.Int64
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a cycle.
func (r Repo) LatestEventID(ctx context.Context, cycleID int64) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_events WHERE cycle_id=?`, cycleID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
