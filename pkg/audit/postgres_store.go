package audit

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresStore is the production Store backend. Adapted from the
// teacher's store/ledger.PostgresLedger: a previous-hash lookup followed
// by a single-transaction insert, so the chain never exposes a partially
// written receipt.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the audit schema against an existing connection
// pool and ensures the backing table exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("audit: schema init: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS audit_receipts (
	seq           BIGSERIAL PRIMARY KEY,
	event_type    TEXT NOT NULL,
	actor_id      TEXT NOT NULL,
	actor_type    TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	details_hash  TEXT NOT NULL,
	prev_hash     TEXT NOT NULL,
	receipt_hash  TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_receipts_actor ON audit_receipts (actor_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_audit_receipts_resource ON audit_receipts (resource_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_audit_receipts_type ON audit_receipts (event_type, seq DESC);
`)
	return err
}

func (s *PostgresStore) Append(eventType EventType, actorID string, actorType ActorType, resourceID, resourceType, detailsHash string) (Receipt, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Receipt{}, fmt.Errorf("audit: begin tx: %w", err)
	}
	defer tx.Rollback()

	prevHash := GenesisHash
	row := tx.QueryRow(`SELECT receipt_hash FROM audit_receipts ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&prevHash); err != nil && err != sql.ErrNoRows {
		return Receipt{}, fmt.Errorf("audit: read tail: %w", err)
	}

	r := Receipt{
		EventType:    eventType,
		ActorID:      actorID,
		ActorType:    actorType,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		DetailsHash:  detailsHash,
		PrevHash:     prevHash,
		Timestamp:    nowUTC(),
	}
	r.ReceiptHash = computeReceiptHash(prevHash, r)

	err = tx.QueryRow(`
INSERT INTO audit_receipts
	(event_type, actor_id, actor_type, resource_id, resource_type, details_hash, prev_hash, receipt_hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING seq`,
		string(r.EventType), r.ActorID, string(r.ActorType), r.ResourceID, r.ResourceType,
		r.DetailsHash, r.PrevHash, r.ReceiptHash, r.Timestamp,
	).Scan(&r.Seq)
	if err != nil {
		return Receipt{}, fmt.Errorf("audit: insert receipt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("audit: commit: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ByActor(actorID string, offset, limit int) ([]Receipt, error) {
	return s.query(`WHERE actor_id = $1 ORDER BY seq DESC OFFSET $2 LIMIT $3`, actorID, offset, normalizeLimit(limit))
}

func (s *PostgresStore) ByResource(resourceID string, offset, limit int) ([]Receipt, error) {
	return s.query(`WHERE resource_id = $1 ORDER BY seq DESC OFFSET $2 LIMIT $3`, resourceID, offset, normalizeLimit(limit))
}

func (s *PostgresStore) ByType(eventType EventType, offset, limit int) ([]Receipt, error) {
	return s.query(`WHERE event_type = $1 ORDER BY seq DESC OFFSET $2 LIMIT $3`, string(eventType), offset, normalizeLimit(limit))
}

func (s *PostgresStore) query(whereAndRest string, arg1 any, offset, limit int) ([]Receipt, error) {
	rows, err := s.db.Query(`
SELECT seq, event_type, actor_id, actor_type, resource_id, resource_type, details_hash, prev_hash, receipt_hash, created_at
FROM audit_receipts `+whereAndRest, arg1, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		var eventType, actorType string
		if err := rows.Scan(&r.Seq, &eventType, &r.ActorID, &actorType, &r.ResourceID, &r.ResourceType,
			&r.DetailsHash, &r.PrevHash, &r.ReceiptHash, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		r.EventType = EventType(eventType)
		r.ActorType = ActorType(actorType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Export() (string, error) {
	rows, err := s.db.Query(`
SELECT seq, event_type, actor_id, actor_type, resource_id, resource_type, details_hash, prev_hash, receipt_hash, created_at
FROM audit_receipts ORDER BY seq ASC`)
	if err != nil {
		return "", fmt.Errorf("audit: export query: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var r Receipt
		var eventType, actorType string
		if err := rows.Scan(&r.Seq, &eventType, &r.ActorID, &actorType, &r.ResourceID, &r.ResourceType,
			&r.DetailsHash, &r.PrevHash, &r.ReceiptHash, &r.Timestamp); err != nil {
			return "", fmt.Errorf("audit: export scan: %w", err)
		}
		r.EventType = EventType(eventType)
		r.ActorType = ActorType(actorType)
		lines = append(lines, ExportLine(r))
	}
	return strings.Join(lines, "\n"), rows.Err()
}

func (s *PostgresStore) Verify() error {
	rows, err := s.db.Query(`
SELECT seq, event_type, actor_id, actor_type, resource_id, resource_type, details_hash, prev_hash, receipt_hash, created_at
FROM audit_receipts ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("audit: verify query: %w", err)
	}
	defer rows.Close()

	prevHash := GenesisHash
	for rows.Next() {
		var r Receipt
		var eventType, actorType string
		if err := rows.Scan(&r.Seq, &eventType, &r.ActorID, &actorType, &r.ResourceID, &r.ResourceType,
			&r.DetailsHash, &r.PrevHash, &r.ReceiptHash, &r.Timestamp); err != nil {
			return fmt.Errorf("audit: verify scan: %w", err)
		}
		r.EventType = EventType(eventType)
		r.ActorType = ActorType(actorType)

		if r.PrevHash != prevHash {
			return fmt.Errorf("audit: chain broken at seq %d: prev_hash mismatch", r.Seq)
		}
		if computeReceiptHash(prevHash, r) != r.ReceiptHash {
			return fmt.Errorf("audit: chain broken at seq %d: receipt_hash mismatch", r.Seq)
		}
		prevHash = r.ReceiptHash
	}
	return rows.Err()
}

func (s *PostgresStore) Len() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_receipts`).Scan(&n)
	return n, err
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}
