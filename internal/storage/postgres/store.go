package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"certsync/internal/model"
	"certsync/internal/storage"
	"certsync/internal/tracker"
)

// Store provides Postgres persistence for tracked aggregates and poller state.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the connection pool for components sharing it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InTx runs fn inside one transaction. Row locks taken through tx are held
// until commit or rollback.
func (s *Store) InTx(ctx context.Context, fn func(tx tracker.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(pgTx pgx.Tx) error {
		return fn(&txStore{tx: pgTx})
	})
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) LockOrganization(ctx context.Context, id string) (model.Organization, error) {
	var org model.Organization
	err := t.tx.QueryRow(ctx, `
		SELECT id, status, COALESCE(init_tx_hash, ''), COALESCE(deactivated_tx_hash, '')
		FROM organizations WHERE id = $1
		FOR UPDATE
	`, id).Scan(&org.ID, &org.Status, &org.InitTxHash, &org.DeactivatedTxHash)
	if err != nil {
		return model.Organization{}, notFound("organization", id, err)
	}
	return org, nil
}

func (t *txStore) SaveOrganization(ctx context.Context, org model.Organization) error {
	return expectOne(t.tx.Exec(ctx, `
		UPDATE organizations
		SET status = $2, init_tx_hash = NULLIF($3, ''), deactivated_tx_hash = NULLIF($4, ''), updated_at = now()
		WHERE id = $1
	`, org.ID, string(org.Status), org.InitTxHash, org.DeactivatedTxHash))
}

func (t *txStore) ActivateMember(ctx context.Context, organizationID, wallet, txHash string) error {
	err := expectOne(t.tx.Exec(ctx, `
		UPDATE organization_members
		SET is_active = true, added_tx_hash = $3, updated_at = now()
		WHERE organization_id = $1 AND wallet_address = $2
	`, organizationID, wallet, txHash))
	if err != nil {
		return fmt.Errorf("member %s of %s: %w", wallet, organizationID, err)
	}
	return nil
}

func (t *txStore) LockCertificateType(ctx context.Context, id string) (model.CertificateType, error) {
	var ct model.CertificateType
	err := t.tx.QueryRow(ctx, `
		SELECT id, status, COALESCE(init_tx_hash, ''), COALESCE(last_changed_tx_hash, '')
		FROM certificate_types WHERE id = $1
		FOR UPDATE
	`, id).Scan(&ct.ID, &ct.Status, &ct.InitTxHash, &ct.LastChangedTxHash)
	if err != nil {
		return model.CertificateType{}, notFound("certificate type", id, err)
	}
	return ct, nil
}

func (t *txStore) SaveCertificateType(ctx context.Context, ct model.CertificateType) error {
	return expectOne(t.tx.Exec(ctx, `
		UPDATE certificate_types
		SET status = $2, init_tx_hash = NULLIF($3, ''), last_changed_tx_hash = NULLIF($4, ''), updated_at = now()
		WHERE id = $1
	`, ct.ID, string(ct.Status), ct.InitTxHash, ct.LastChangedTxHash))
}

func (t *txStore) LockCertificate(ctx context.Context, id string) (model.Certificate, error) {
	var cert model.Certificate
	err := t.tx.QueryRow(ctx, `
		SELECT id, status,
			COALESCE(signed_tx_hash, ''), COALESCE(approved_tx_hash, ''), approved_at,
			COALESCE(rejected_tx_hash, ''), COALESCE(revoked_tx_hash, ''), revoked_at
		FROM certificates WHERE id = $1
		FOR UPDATE
	`, id).Scan(
		&cert.ID, &cert.Status,
		&cert.SignedTxHash, &cert.ApprovedTxHash, &cert.ApprovedAt,
		&cert.RejectedTxHash, &cert.RevokedTxHash, &cert.RevokedAt,
	)
	if err != nil {
		return model.Certificate{}, notFound("certificate", id, err)
	}
	return cert, nil
}

func (t *txStore) SaveCertificate(ctx context.Context, cert model.Certificate) error {
	return expectOne(t.tx.Exec(ctx, `
		UPDATE certificates
		SET status = $2,
			signed_tx_hash = NULLIF($3, ''),
			approved_tx_hash = NULLIF($4, ''),
			approved_at = $5,
			rejected_tx_hash = NULLIF($6, ''),
			revoked_tx_hash = NULLIF($7, ''),
			revoked_at = $8,
			updated_at = now()
		WHERE id = $1
	`, cert.ID, string(cert.Status),
		cert.SignedTxHash, cert.ApprovedTxHash, cert.ApprovedAt,
		cert.RejectedTxHash, cert.RevokedTxHash, cert.RevokedAt,
	))
}

// LoadState returns last_processed_block for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block FROM indexer_state WHERE name=$1`, name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

// SaveState upserts last_processed_block for a name.
func (s *Store) SaveState(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_state (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, name, int64(block))
	return err
}

// Checkpoints adapts the state table to the poller's checkpoint store.
func (s *Store) Checkpoints() *Checkpoints {
	return &Checkpoints{store: s}
}

type Checkpoints struct {
	store *Store
}

func (c *Checkpoints) Load(ctx context.Context, name string) (uint64, bool, error) {
	return c.store.LoadState(ctx, name)
}

func (c *Checkpoints) Save(ctx context.Context, name string, block uint64) error {
	return c.store.SaveState(ctx, name, block)
}

func notFound(what, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, storage.ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}

func expectOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
