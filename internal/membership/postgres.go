package membership

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Postgres reads active memberships from the group_members table:
//
//	group_members(group_id TEXT, user_id TEXT, status TEXT)
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to dsn using the lib/pq driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open membership database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach membership database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// IsMember implements Authority.
func (p *Postgres) IsMember(ctx context.Context, groupID, identityID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM group_members
			WHERE group_id = $1 AND user_id = $2 AND status = 'active'
		)
	`
	var exists bool
	if err := p.db.QueryRowContext(ctx, query, groupID, identityID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check group membership: %w", err)
	}
	return exists, nil
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}
