package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"custodia.org/internal/errs"
	"custodia.org/internal/incident"
)

// IncidentStore implements incident.Store with a version-guarded update:
// a stale version touches zero rows and surfaces ErrConflict.
type IncidentStore struct {
	db *sql.DB
}

var _ incident.Store = (*IncidentStore)(nil)

func (s *IncidentStore) Create(ctx context.Context, inc *incident.Incident) error {
	timeline, err := json.Marshal(inc.Timeline)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(inc.Metadata)
	if err != nil {
		return err
	}
	inc.Version = 1
	_, err = s.db.ExecContext(ctx, `
		insert into incidents(id, org_id, category, severity, status, confidence, opened_at, timeline, metadata, version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, inc.ID, inc.OrgID, inc.Category, inc.Severity, inc.Status, inc.Confidence, inc.OpenedAt, timeline, meta, inc.Version)
	return err
}

func (s *IncidentStore) Get(ctx context.Context, id string) (incident.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, org_id, category, severity, status, confidence, opened_at, timeline, metadata, version
		from incidents where id = $1
	`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Incident{}, fmt.Errorf("%w: incident %s", errs.ErrNotFound, id)
	}
	return inc, err
}

func (s *IncidentStore) Update(ctx context.Context, inc incident.Incident, expectedVersion uint64) (incident.Incident, error) {
	timeline, err := json.Marshal(inc.Timeline)
	if err != nil {
		return incident.Incident{}, err
	}
	meta, err := json.Marshal(inc.Metadata)
	if err != nil {
		return incident.Incident{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		update incidents
		set category=$3, severity=$4, status=$5, confidence=$6, timeline=$7, metadata=$8, version=version+1
		where id=$1 and version=$2
	`, inc.ID, expectedVersion, inc.Category, inc.Severity, inc.Status, inc.Confidence, timeline, meta)
	if err != nil {
		return incident.Incident{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return incident.Incident{}, err
	}
	if affected == 0 {
		return incident.Incident{}, fmt.Errorf("%w: incident %s changed concurrently", errs.ErrConflict, inc.ID)
	}
	inc.Version = expectedVersion + 1
	return inc, nil
}

func (s *IncidentStore) List(ctx context.Context, orgID string) ([]incident.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, org_id, category, severity, status, confidence, opened_at, timeline, metadata, version
		from incidents
		where org_id = $1
		order by opened_at desc
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (incident.Incident, error) {
	var inc incident.Incident
	var timeline, meta []byte
	if err := row.Scan(&inc.ID, &inc.OrgID, &inc.Category, &inc.Severity, &inc.Status,
		&inc.Confidence, &inc.OpenedAt, &timeline, &meta, &inc.Version); err != nil {
		return incident.Incident{}, err
	}
	if len(timeline) > 0 {
		if err := json.Unmarshal(timeline, &inc.Timeline); err != nil {
			return incident.Incident{}, err
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &inc.Metadata); err != nil {
			return incident.Incident{}, err
		}
	}
	return inc, nil
}
