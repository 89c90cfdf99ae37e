package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"custodia.org/internal/audit"
)

// AuditStore implements audit.Store. Entries are append-only; the seq
// column is a bigserial, so ordering by seq reflects true emission order
// within any organization.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `
		insert into audit_entries(id, actor_id, org_id, action, resource_type, resource_id, occurred_at, metadata, ip, user_agent)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		returning seq
	`, entry.ID, entry.ActorID, entry.OrgID, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.OccurredAt, meta, entry.IP, entry.UserAgent).Scan(&entry.Seq)
}

func (s *AuditStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	where, args := auditWhere(filter)
	page, size := filter.Page, filter.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 1000 {
		size = 100
	}
	args = append(args, size, (page-1)*size)
	q := fmt.Sprintf(`
		select id, seq, actor_id, org_id, action, resource_type, resource_id, occurred_at, metadata, ip, user_agent
		from audit_entries %s
		order by seq asc
		limit $%d offset $%d
	`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Seq, &e.ActorID, &e.OrgID, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.OccurredAt, &meta, &e.IP, &e.UserAgent); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *AuditStore) Count(ctx context.Context, filter audit.Filter) (int, error) {
	where, args := auditWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from audit_entries `+where, args...).Scan(&n)
	return n, err
}

func auditWhere(filter audit.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.OrgID != "" {
		add("org_id = $%d", filter.OrgID)
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("occurred_at <= $%d", filter.To.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "where " + strings.Join(conds, " and "), args
}
