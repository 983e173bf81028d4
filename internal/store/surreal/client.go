// Package surreal implements store.Store on SurrealDB.
package surreal

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// Connect opens a connection, signs in and selects the namespace and database.
func Connect(ctx context.Context, endpoint, user, pass, ns, db string) (*surrealdb.DB, error) {
	conn, err := surrealdb.FromEndpointURLString(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb at %s: %w", redactURL(endpoint), err)
	}

	if user != "" {
		authData := &surrealdb.Auth{
			Username: user,
			Password: pass,
		}
		if _, err = conn.SignIn(ctx, authData); err != nil {
			conn.Close(ctx)
			return nil, fmt.Errorf("failed to sign in: %w", err)
		}
	}

	if err = conn.Use(ctx, ns, db); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/db: %w", err)
	}

	slog.Debug("Connected to SurrealDB", "url", redactURL(endpoint), "namespace", ns, "database", db)
	return conn, nil
}

// query runs q and returns the rows of its first statement.
func query[T any](ctx context.Context, db *surrealdb.DB, q string, params map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, db, q, params)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

// queryOne returns the first row of q, or nil when there is none.
func queryOne[T any](ctx context.Context, db *surrealdb.DB, q string, params map[string]any) (*T, error) {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(q)), "SELECT") && !strings.Contains(strings.ToUpper(q), " LIMIT ") {
		q += " LIMIT 1"
	}
	rows, err := query[T](ctx, db, q, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// execute runs q and discards its result.
func execute(ctx context.Context, db *surrealdb.DB, q string, params map[string]any) error {
	if _, err := surrealdb.Query[any](ctx, db, q, params); err != nil {
		return fmt.Errorf("query execution failed: %w", err)
	}
	return nil
}

// withTimeout bounds ctx by d unless it already carries a deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// redactURL hides the password of a connection URL in logs.
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return parsed.Redacted()
}
