package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"sceneline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,budget_cap_usd,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.BudgetCapUSD, p.CreatedAt)
	return err
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Status, &desc, &p.BudgetCapUSD, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,budget_cap_usd,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT id,name,status,description,budget_cap_usd,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),budget_cap_usd,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.BudgetCapUSD, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, id string, name, status string, description *string) error {
	var (
		fields []string
		args   []any
	)
	if name != "" {
		fields = append(fields, "name=?")
		args = append(args, name)
	}
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetBudgetCap(ctx context.Context, tx *sql.Tx, id string, capUSD float64) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET budget_cap_usd=? WHERE id=?`, capUSD, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProjectSpend folds cost over every proposal ever created under the
// project's scenes, applied or not. Spend is incurred at generation time.
func (r Repo) ProjectSpend(ctx context.Context, projectID string) (float64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(p.cost_usd),0)
FROM proposals p JOIN scenes s ON s.id=p.scene_id
WHERE s.project_id=?`, projectID)
	var spend float64
	err := row.Scan(&spend)
	return spend, err
}

// --- scenes ---

const sceneColumns = `id,project_id,title,script,narrative_goal,emotional_beat,location,time_of_day,status,version,locked_until,locked_by,created_at,updated_at`

func (r Repo) InsertScene(ctx context.Context, tx *sql.Tx, s domain.Scene) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scenes(`+sceneColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Title, nullable(s.Script), nullable(s.NarrativeGoal), nullable(s.EmotionalBeat),
		nullable(s.Location), nullable(s.TimeOfDay), s.Status, s.Version,
		nullableStringPtr(s.LockedUntil), nullableStringPtr(s.LockedBy), s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateSceneVersioned writes the scene's content fields guarded by an
// optimistic version check: the row is only touched when its stored version
// still equals expectedVersion. s.Version must already carry the bumped
// value. Zero rows affected means a concurrent writer got there first.
func (r Repo) UpdateSceneVersioned(ctx context.Context, tx *sql.Tx, s domain.Scene, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE scenes SET title=?, script=?, narrative_goal=?, emotional_beat=?, location=?, time_of_day=?, status=?, version=?, updated_at=? WHERE id=? AND version=?`,
		s.Title, nullable(s.Script), nullable(s.NarrativeGoal), nullable(s.EmotionalBeat), nullable(s.Location),
		nullable(s.TimeOfDay), s.Status, s.Version, s.UpdatedAt, s.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanScene(scan func(dest ...any) error) (domain.Scene, error) {
	var s domain.Scene
	var script, goal, beat, location, tod, lockedUntil, lockedBy sql.NullString
	err := scan(&s.ID, &s.ProjectID, &s.Title, &script, &goal, &beat, &location, &tod,
		&s.Status, &s.Version, &lockedUntil, &lockedBy, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Script = script.String
	s.NarrativeGoal = goal.String
	s.EmotionalBeat = beat.String
	s.Location = location.String
	s.TimeOfDay = tod.String
	if lockedUntil.Valid {
		s.LockedUntil = &lockedUntil.String
	}
	if lockedBy.Valid {
		s.LockedBy = &lockedBy.String
	}
	return s, nil
}

func (r Repo) GetScene(ctx context.Context, id string) (domain.Scene, error) {
	s, err := scanScene(r.DB.QueryRowContext(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE id=?`, id).Scan)
	if err != nil {
		return s, err
	}
	s.Characters, err = r.ListCharacters(ctx, s.ID)
	return s, err
}

func (r Repo) GetSceneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Scene, error) {
	s, err := scanScene(tx.QueryRowContext(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE id=?`, id).Scan)
	if err != nil {
		return s, err
	}
	s.Characters, err = r.listCharacters(ctx, tx.QueryContext, s.ID)
	return s, err
}

func (r Repo) ListScenes(ctx context.Context, projectID string) ([]domain.Scene, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Scene
	for rows.Next() {
		s, err := scanScene(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountScenesByStatus(ctx context.Context, projectID string) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM scenes WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r Repo) DeleteScene(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM scenes WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- characters ---

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) ListCharacters(ctx context.Context, sceneID string) ([]domain.Character, error) {
	return r.listCharacters(ctx, r.DB.QueryContext, sceneID)
}

func (r Repo) listCharacters(ctx context.Context, query queryFunc, sceneID string) ([]domain.Character, error) {
	rows, err := query(ctx, `SELECT name,COALESCE(description,'') FROM scene_characters WHERE scene_id=? ORDER BY name`, sceneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Character
	for rows.Next() {
		var c domain.Character
		if err := rows.Scan(&c.Name, &c.Description); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertCharacter(ctx context.Context, tx *sql.Tx, sceneID string, c domain.Character) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scene_characters(scene_id,name,description) VALUES (?,?,?)`,
		sceneID, c.Name, nullable(c.Description))
	return err
}

func (r Repo) DeleteCharacter(ctx context.Context, tx *sql.Tx, sceneID, name string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM scene_characters WHERE scene_id=? AND name=? COLLATE NOCASE`, sceneID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CharacterExists(ctx context.Context, tx *sql.Tx, sceneID, name string) (bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT 1 FROM scene_characters WHERE scene_id=? AND name=? COLLATE NOCASE LIMIT 1`, sceneID, name)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

// ReplaceCharacters swaps the scene's character list wholesale. Used when a
// proposal diff carries a characters field.
func (r Repo) ReplaceCharacters(ctx context.Context, tx *sql.Tx, sceneID string, names []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM scene_characters WHERE scene_id=?`, sceneID); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO scene_characters(scene_id,name) VALUES (?,?)`, sceneID, name); err != nil {
			return err
		}
	}
	return nil
}

// --- events ---

type EventFilters struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	FromTS     string
	ToTS       string
	Limit      int
	Cursor     int64
}

// LatestEvents returns events newest-first with id as a paging cursor.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.FromTS != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.FromTS)
	}
	if f.ToTS != "" {
		clauses = append(clauses, "ts<=?")
		args = append(args, f.ToTS)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events %s ORDER BY ts DESC, id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountEvents(ctx context.Context, projectID string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'') FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
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
