// Package storage provides database access for partner configurations
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PartnerConfig is a partner's construction-time configuration row
type PartnerConfig struct {
	ID            string            `json:"id"`
	PartnerID     string            `json:"partner_id"`
	PublisherID   string            `json:"publisher_id"`
	TimeoutMs     int               `json:"timeout_ms"`
	TargetingKeys map[string]string `json:"targeting_keys,omitempty"`
	// DemandExpiryMs enables demand expiry when positive
	DemandExpiryMs       int64     `json:"demand_expiry_ms"`
	AnalyticsRequestTime bool      `json:"analytics_request_time"`
	Status               string    `json:"status"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Timeout returns the configured timeout as a duration
func (p *PartnerConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// DemandExpiry returns the configured demand expiry as a duration
func (p *PartnerConfig) DemandExpiry() time.Duration {
	return time.Duration(p.DemandExpiryMs) * time.Millisecond
}

// PartnerStore provides database operations for partner configurations
type PartnerStore struct {
	db *sql.DB
}

// NewPartnerStore creates a new partner store
func NewPartnerStore(db *sql.DB) *PartnerStore {
	return &PartnerStore{db: db}
}

const partnerColumns = `id, partner_id, publisher_id, timeout_ms, targeting_keys, demand_expiry_ms,
		       analytics_request_time, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPartner(row rowScanner) (*PartnerConfig, error) {
	var p PartnerConfig
	var keysJSON []byte
	err := row.Scan(
		&p.ID,
		&p.PartnerID,
		&p.PublisherID,
		&p.TimeoutMs,
		&keysJSON,
		&p.DemandExpiryMs,
		&p.AnalyticsRequestTime,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(keysJSON) > 0 {
		if err := json.Unmarshal(keysJSON, &p.TargetingKeys); err != nil {
			return nil, fmt.Errorf("failed to parse targeting_keys: %w", err)
		}
	}
	return &p, nil
}

// GetByPartnerID returns the active configuration of a partner, or nil if
// there is none
func (s *PartnerStore) GetByPartnerID(ctx context.Context, partnerID string) (*PartnerConfig, error) {
	query := `
		SELECT ` + partnerColumns + `
		FROM partner_configs
		WHERE partner_id = $1 AND status = 'active'
	`

	p, err := scanPartner(s.db.QueryRowContext(ctx, query, partnerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query partner config: %w", err)
	}
	return p, nil
}

// List returns all active partner configurations
func (s *PartnerStore) List(ctx context.Context) ([]*PartnerConfig, error) {
	query := `
		SELECT ` + partnerColumns + `
		FROM partner_configs
		WHERE status = 'active'
		ORDER BY partner_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query partner configs: %w", err)
	}
	defer rows.Close()

	var configs []*PartnerConfig
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan partner config row: %w", err)
		}
		configs = append(configs, p)
	}
	return configs, rows.Err()
}

// Upsert creates or replaces the configuration of p.PartnerID
func (s *PartnerStore) Upsert(ctx context.Context, p *PartnerConfig) error {
	status := p.Status
	if status == "" {
		status = "active"
	}

	keysJSON, err := json.Marshal(p.TargetingKeys)
	if err != nil {
		return fmt.Errorf("failed to marshal targeting_keys: %w", err)
	}

	query := `
		INSERT INTO partner_configs (
			partner_id, publisher_id, timeout_ms, targeting_keys, demand_expiry_ms,
			analytics_request_time, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (partner_id) DO UPDATE SET
			publisher_id = EXCLUDED.publisher_id,
			timeout_ms = EXCLUDED.timeout_ms,
			targeting_keys = EXCLUDED.targeting_keys,
			demand_expiry_ms = EXCLUDED.demand_expiry_ms,
			analytics_request_time = EXCLUDED.analytics_request_time,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err = s.db.QueryRowContext(ctx, query,
		p.PartnerID,
		p.PublisherID,
		p.TimeoutMs,
		keysJSON,
		p.DemandExpiryMs,
		p.AnalyticsRequestTime,
		status,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert partner config: %w", err)
	}
	p.Status = status
	return nil
}

// Archive soft-deletes a partner configuration
func (s *PartnerStore) Archive(ctx context.Context, partnerID string) error {
	query := `
		UPDATE partner_configs
		SET status = 'archived', updated_at = NOW()
		WHERE partner_id = $1
	`

	result, err := s.db.ExecContext(ctx, query, partnerID)
	if err != nil {
		return fmt.Errorf("failed to archive partner config: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("partner config not found: %s", partnerID)
	}
	return nil
}

// NewDBConnection opens and pings a PostgreSQL connection pool
func NewDBConnection(host, port, user, password, dbname, sslmode string) (*sql.DB, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
