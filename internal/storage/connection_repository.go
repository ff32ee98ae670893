package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/types"
)

// ConnectionRepository handles connection persistence. Rows are unique per
// (user_id, provider).
type ConnectionRepository struct {
	db *PostgresDB
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *PostgresDB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `id, user_id, provider, status, encrypted_credentials, account,
		       last_sync_at, last_error, created_at, updated_at`

// Upsert creates the connection or replaces the credentials of the existing
// one for the same user and provider. conn is updated with the stored id and
// timestamps.
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *models.Connection) error {
	if conn.UserID == "" {
		return apperrors.NewValidationError("userId", "is required")
	}
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO connections (id, user_id, provider, status, encrypted_credentials, account,
		                         last_sync_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			status = EXCLUDED.status,
			encrypted_credentials = EXCLUDED.encrypted_credentials,
			account = EXCLUDED.account,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		conn.ID,
		conn.UserID,
		conn.Provider,
		conn.Status,
		conn.EncryptedCredentials,
		conn.Account,
		conn.LastSyncAt,
		conn.LastError,
		now,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("upsert connection", err)
	}

	return nil
}

// Get retrieves the connection for a user and provider
func (r *ConnectionRepository) Get(ctx context.Context, userID string, provider types.ProviderID) (*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE user_id = $1 AND provider = $2
	`

	conn, err := scanConnection(r.db.Pool().QueryRow(ctx, query, userID, provider))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("connection", fmt.Sprintf("%s/%s", userID, provider))
		}
		return nil, apperrors.NewDatabaseError("get connection", err)
	}

	return conn, nil
}

// ListByUser returns every connection of a user ordered by provider
func (r *ConnectionRepository) ListByUser(ctx context.Context, userID string) ([]*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE user_id = $1
		ORDER BY provider
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list connections", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan connection", err)
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list connections", err)
	}

	return conns, nil
}

// Delete removes a connection. Deleting a missing connection is not an error.
func (r *ConnectionRepository) Delete(ctx context.Context, userID string, provider types.ProviderID) error {
	query := `DELETE FROM connections WHERE user_id = $1 AND provider = $2`

	if _, err := r.db.Pool().Exec(ctx, query, userID, provider); err != nil {
		return apperrors.NewDatabaseError("delete connection", err)
	}

	return nil
}

// MarkExpired flips the connection to expired and records why
func (r *ConnectionRepository) MarkExpired(ctx context.Context, userID string, provider types.ProviderID, reason string) error {
	query := `
		UPDATE connections
		SET status = $3, last_error = $4, updated_at = $5
		WHERE user_id = $1 AND provider = $2
	`

	_, err := r.db.Pool().Exec(ctx, query, userID, provider, types.StatusExpired, reason, time.Now().UTC())
	if err != nil {
		return apperrors.NewDatabaseError("mark connection expired", err)
	}

	return nil
}

// UpdateLastSync stamps a successful sync and clears the last error
func (r *ConnectionRepository) UpdateLastSync(ctx context.Context, userID string, provider types.ProviderID, at time.Time) error {
	query := `
		UPDATE connections
		SET last_sync_at = $3, last_error = NULL, updated_at = $3
		WHERE user_id = $1 AND provider = $2
	`

	if _, err := r.db.Pool().Exec(ctx, query, userID, provider, at.UTC()); err != nil {
		return apperrors.NewDatabaseError("update last sync", err)
	}

	return nil
}

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var conn models.Connection
	err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.Provider,
		&conn.Status,
		&conn.EncryptedCredentials,
		&conn.Account,
		&conn.LastSyncAt,
		&conn.LastError,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}
