package pg

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store wraps a shared connection pool and hands out the per-domain store
// implementations.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Audit returns the audit-trail store backed by this pool.
func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

// Incidents returns the incident store backed by this pool.
func (s *Store) Incidents() *IncidentStore { return &IncidentStore{db: s.db} }

// Emergency returns the emergency-grant store backed by this pool.
func (s *Store) Emergency() *EmergencyStore { return &EmergencyStore{db: s.db} }

// Directory returns the user-directory store backed by this pool.
func (s *Store) Directory() *DirectoryStore { return &DirectoryStore{db: s.db} }
