package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"custodia.org/internal/access"
	"custodia.org/internal/directory"
	"custodia.org/internal/errs"
)

// DirectoryStore implements directory.Store. The per-org email uniqueness
// rides on a unique index.
type DirectoryStore struct {
	db *sql.DB
}

var _ directory.Store = (*DirectoryStore)(nil)

func (s *DirectoryStore) Create(ctx context.Context, user *directory.User) error {
	user.Version = 1
	res, err := s.db.ExecContext(ctx, `
		insert into users(id, org_id, email, role, status, created_at, updated_at, version)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (org_id, email) do nothing
	`, user.ID, user.OrgID, user.Email, user.Role, user.Status, user.CreatedAt, user.UpdatedAt, user.Version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: email %s already registered", errs.ErrConflict, user.Email)
	}
	return nil
}

func (s *DirectoryStore) Get(ctx context.Context, id string) (directory.User, error) {
	var u directory.User
	err := s.db.QueryRowContext(ctx, `
		select id, org_id, email, role, status, created_at, updated_at, version
		from users where id = $1
	`, id).Scan(&u.ID, &u.OrgID, &u.Email, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt, &u.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, fmt.Errorf("%w: user %s", errs.ErrNotFound, id)
	}
	return u, err
}

func (s *DirectoryStore) List(ctx context.Context, orgID string) ([]directory.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, org_id, email, role, status, created_at, updated_at, version
		from users where org_id = $1
		order by created_at asc
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []directory.User
	for rows.Next() {
		var u directory.User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.Email, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt, &u.Version); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Update runs inside a transaction. When the write would demote or
// deactivate an active admin it locks the org's remaining active admin
// rows first, so two concurrent writes cannot both remove the last one.
func (s *DirectoryStore) Update(ctx context.Context, user directory.User, expectedVersion uint64) (directory.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return directory.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur directory.User
	err = tx.QueryRowContext(ctx, `
		select role, status, version from users where id = $1 for update
	`, user.ID).Scan(&cur.Role, &cur.Status, &cur.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, fmt.Errorf("%w: user %s", errs.ErrNotFound, user.ID)
	}
	if err != nil {
		return directory.User{}, err
	}
	if cur.Version != expectedVersion {
		return directory.User{}, fmt.Errorf("%w: user %s changed concurrently", errs.ErrConflict, user.ID)
	}

	wasActiveAdmin := cur.Role == access.RoleAdmin && cur.Status == directory.UserActive
	staysActiveAdmin := user.Role == access.RoleAdmin && user.Status == directory.UserActive
	if wasActiveAdmin && !staysActiveAdmin {
		others, err := s.lockOtherActiveAdmins(ctx, tx, user.OrgID, user.ID)
		if err != nil {
			return directory.User{}, err
		}
		if others == 0 {
			return directory.User{}, fmt.Errorf("%w: organization must keep at least one active admin", errs.ErrInvalid)
		}
	}

	_, err = tx.ExecContext(ctx, `
		update users
		set role=$2, status=$3, updated_at=$4, version=version+1
		where id=$1
	`, user.ID, user.Role, user.Status, user.UpdatedAt)
	if err != nil {
		return directory.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return directory.User{}, err
	}
	user.Version = expectedVersion + 1
	return user, nil
}

func (s *DirectoryStore) lockOtherActiveAdmins(ctx context.Context, tx *sql.Tx, orgID, excludeID string) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		select id from users
		where org_id = $1 and status = $2 and role = $3 and id <> $4
		for update
	`, orgID, directory.UserActive, access.RoleAdmin, excludeID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		n++
	}
	return n, rows.Err()
}
