package repo

import (
	"context"
	"database/sql"

	"sceneline/internal/domain"
)

const proposalColumns = `id,scene_id,job_id,role,status,summary,rationale,diff_json,tokens_used,cost_usd,created_at,resolved_at`

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.SceneID, nullableStringPtr(p.JobID), p.Role, p.Status, p.Summary, nullable(p.Rationale),
		p.DiffJSON, p.TokensUsed, p.CostUSD, p.CreatedAt, nullableStringPtr(p.ResolvedAt))
	return err
}

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var jobID, rationale, resolvedAt sql.NullString
	err := scan(&p.ID, &p.SceneID, &jobID, &p.Role, &p.Status, &p.Summary, &rationale,
		&p.DiffJSON, &p.TokensUsed, &p.CostUSD, &p.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if jobID.Valid {
		p.JobID = &jobID.String
	}
	p.Rationale = rationale.String
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.String
	}
	return p, nil
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id).Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id).Scan)
}

// GetProposalByJobRole finds the proposal a given job attempt already created
// for a role, if any. Lets a retried pipeline skip completed roles instead of
// billing them twice.
func (r Repo) GetProposalByJobRole(ctx context.Context, jobID, role string) (domain.Proposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE job_id=? AND role=?`, jobID, role).Scan)
}

type ProposalFilters struct {
	SceneID string
	Status  string
	Role    string
	Limit   int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE scene_id=?`
	args := []any{f.SceneID}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Role != "" {
		query += ` AND role=?`
		args = append(args, f.Role)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ResolveProposal moves a pending proposal to a terminal status. The WHERE
// clause on status makes the transition race-safe: a second concurrent
// resolve affects zero rows.
func (r Repo) ResolveProposal(ctx context.Context, tx *sql.Tx, id, status, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, resolved_at=? WHERE id=? AND status='pending'`,
		status, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
