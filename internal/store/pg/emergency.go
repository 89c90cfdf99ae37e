package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"custodia.org/internal/emergency"
	"custodia.org/internal/errs"
)

// EmergencyStore implements emergency.Store. The one-justification-per-
// grant rule rides on the justifications primary key.
type EmergencyStore struct {
	db *sql.DB
}

var _ emergency.Store = (*EmergencyStore)(nil)

func (s *EmergencyStore) CreateGrant(ctx context.Context, grant *emergency.Grant) error {
	grant.Version = 1
	_, err := s.db.ExecContext(ctx, `
		insert into emergency_grants(id, user_id, org_id, reason, granted_at, expires_at, ended_at, status, version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, grant.ID, grant.UserID, grant.OrgID, grant.Reason, grant.GrantedAt, grant.ExpiresAt, grant.EndedAt, grant.Status, grant.Version)
	return err
}

func (s *EmergencyStore) GetGrant(ctx context.Context, id string) (emergency.Grant, error) {
	var g emergency.Grant
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, org_id, reason, granted_at, expires_at, ended_at, status, version
		from emergency_grants where id = $1
	`, id).Scan(&g.ID, &g.UserID, &g.OrgID, &g.Reason, &g.GrantedAt, &g.ExpiresAt, &endedAt, &g.Status, &g.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return emergency.Grant{}, fmt.Errorf("%w: grant %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return emergency.Grant{}, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		g.EndedAt = &t
	}
	return g, nil
}

func (s *EmergencyStore) UpdateGrant(ctx context.Context, grant emergency.Grant, expectedVersion uint64) (emergency.Grant, error) {
	res, err := s.db.ExecContext(ctx, `
		update emergency_grants
		set status=$3, ended_at=$4, version=version+1
		where id=$1 and version=$2
	`, grant.ID, expectedVersion, grant.Status, grant.EndedAt)
	if err != nil {
		return emergency.Grant{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return emergency.Grant{}, err
	}
	if affected == 0 {
		return emergency.Grant{}, fmt.Errorf("%w: grant %s changed concurrently", errs.ErrConflict, grant.ID)
	}
	grant.Version = expectedVersion + 1
	return grant, nil
}

func (s *EmergencyStore) ListLapsedActive(ctx context.Context, now time.Time) ([]emergency.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, org_id, reason, granted_at, expires_at, ended_at, status, version
		from emergency_grants
		where status = $1 and expires_at <= $2
	`, emergency.GrantActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []emergency.Grant
	for rows.Next() {
		var g emergency.Grant
		var endedAt sql.NullTime
		if err := rows.Scan(&g.ID, &g.UserID, &g.OrgID, &g.Reason, &g.GrantedAt, &g.ExpiresAt, &endedAt, &g.Status, &g.Version); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			t := endedAt.Time
			g.EndedAt = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *EmergencyStore) CreateJustification(ctx context.Context, j *emergency.Justification) error {
	j.Version = 1
	res, err := s.db.ExecContext(ctx, `
		insert into emergency_justifications(grant_id, user_id, org_id, text, submitted_at, review_status, version)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (grant_id) do nothing
	`, j.GrantID, j.UserID, j.OrgID, j.Text, j.SubmittedAt, j.ReviewStatus, j.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: justification already submitted for grant %s", errs.ErrConflict, j.GrantID)
	}
	return nil
}

func (s *EmergencyStore) GetJustification(ctx context.Context, grantID string) (emergency.Justification, error) {
	var j emergency.Justification
	var reviewedBy sql.NullString
	var reviewedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select grant_id, user_id, org_id, text, submitted_at, review_status, reviewed_by, reviewed_at, version
		from emergency_justifications where grant_id = $1
	`, grantID).Scan(&j.GrantID, &j.UserID, &j.OrgID, &j.Text, &j.SubmittedAt, &j.ReviewStatus, &reviewedBy, &reviewedAt, &j.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return emergency.Justification{}, fmt.Errorf("%w: justification for grant %s", errs.ErrNotFound, grantID)
	}
	if err != nil {
		return emergency.Justification{}, err
	}
	if reviewedBy.Valid {
		j.ReviewedBy = reviewedBy.String
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		j.ReviewedAt = &t
	}
	return j, nil
}

func (s *EmergencyStore) UpdateJustification(ctx context.Context, j emergency.Justification, expectedVersion uint64) (emergency.Justification, error) {
	res, err := s.db.ExecContext(ctx, `
		update emergency_justifications
		set review_status=$3, reviewed_by=$4, reviewed_at=$5, version=version+1
		where grant_id=$1 and version=$2
	`, j.GrantID, expectedVersion, j.ReviewStatus, j.ReviewedBy, j.ReviewedAt)
	if err != nil {
		return emergency.Justification{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return emergency.Justification{}, err
	}
	if affected == 0 {
		return emergency.Justification{}, fmt.Errorf("%w: justification for grant %s changed concurrently", errs.ErrConflict, j.GrantID)
	}
	j.Version = expectedVersion + 1
	return j, nil
}
