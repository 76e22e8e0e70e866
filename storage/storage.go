package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Credential types the registry contract knows how to mint. Each application
// gets at most one credential of each type, ever.
const (
	CredentialPublisher = "publisher-credential"
	CredentialOwner     = "owner-credential"
)

// ValidCredentialType reports whether the supplied type belongs to the closed
// set supported by the registry.
func ValidCredentialType(credentialType string) bool {
	switch credentialType {
	case CredentialPublisher, CredentialOwner:
		return true
	default:
		return false
	}
}

// ClaimKey identifies a credential claim. The same tuple backs the unique
// index on credential_records, so two processes racing on the same claim
// collide at the database rather than double-recording.
type ClaimKey struct {
	AppID          string
	Owner          string
	CredentialType string
}

// Normalize lower-cases the owner identity and trims all components.
func (k ClaimKey) Normalize() ClaimKey {
	return ClaimKey{
		AppID:          strings.TrimSpace(k.AppID),
		Owner:          strings.ToLower(strings.TrimSpace(k.Owner)),
		CredentialType: strings.TrimSpace(k.CredentialType),
	}
}

// Validate checks the key is complete and names a known credential type.
func (k ClaimKey) Validate() error {
	if k.AppID == "" {
		return errors.New("application id required")
	}
	if k.Owner == "" {
		return errors.New("owner identity required")
	}
	if !ValidCredentialType(k.CredentialType) {
		return fmt.Errorf("unknown credential type %q", k.CredentialType)
	}
	return nil
}

// Less imposes a total order matching the unique index column order.
func (k ClaimKey) Less(other ClaimKey) bool {
	if k.AppID != other.AppID {
		return k.AppID < other.AppID
	}
	if k.Owner != other.Owner {
		return k.Owner < other.Owner
	}
	return k.CredentialType < other.CredentialType
}

func (k ClaimKey) String() string {
	return k.AppID + "/" + k.Owner + "/" + k.CredentialType
}

// CredentialRecord is the cached outcome of a successful reconciliation.
// Issued is only ever written true after a mint returned a transaction
// reference or ground truth confirmed token ownership. A record with
// Issued=true and an empty TxRef is a valid terminal state: ownership is
// confirmed but provenance was not recoverable.
type CredentialRecord struct {
	Key         ClaimKey  `json:"key"`
	Issued      bool      `json:"issued"`
	TxRef       string    `json:"txRef,omitempty"`
	TokenRef    string    `json:"tokenRef,omitempty"`
	MetadataRef string    `json:"metadataRef,omitempty"`
	IssuedAt    time.Time `json:"issuedAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists credential records in SQLite.
type Store struct {
	db *sql.DB
}

// Open initialises the claim cache at the given path and applies the schema.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("claim cache path required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", trimmed)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open claim cache: %w", err)
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	const schema = `CREATE TABLE IF NOT EXISTS credential_records (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        app_id TEXT NOT NULL,
        owner TEXT NOT NULL,
        credential_type TEXT NOT NULL,
        issued INTEGER NOT NULL DEFAULT 0,
        tx_ref TEXT NOT NULL DEFAULT '',
        token_ref TEXT NOT NULL DEFAULT '',
        metadata_ref TEXT NOT NULL DEFAULT '',
        issued_at TIMESTAMP,
        created_at TIMESTAMP NOT NULL,
        UNIQUE(app_id, owner, credential_type)
    );`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply claim cache schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = `app_id, owner, credential_type, issued, tx_ref, token_ref, metadata_ref, issued_at, created_at`

// Get returns the record for the key, or nil when none exists.
func (s *Store) Get(ctx context.Context, key ClaimKey) (*CredentialRecord, error) {
	key = key.Normalize()
	const query = `SELECT ` + recordColumns + ` FROM credential_records WHERE app_id = ? AND owner = ? AND credential_type = ?`
	row := s.db.QueryRowContext(ctx, query, key.AppID, key.Owner, key.CredentialType)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential record: %w", err)
	}
	return rec, nil
}

// Insert records a reconciliation outcome. The unique index doubles as the
// conflict detector for concurrent writers: when another process already
// recorded the key, the existing row wins and is returned as-is.
func (s *Store) Insert(ctx context.Context, rec CredentialRecord) (*CredentialRecord, error) {
	rec.Key = rec.Key.Normalize()
	if err := rec.Key.Validate(); err != nil {
		return nil, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const stmt = `INSERT INTO credential_records(app_id, owner, credential_type, issued, tx_ref, token_ref, metadata_ref, issued_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(app_id, owner, credential_type) DO NOTHING`
	issued := 0
	if rec.Issued {
		issued = 1
	}
	res, err := s.db.ExecContext(ctx, stmt,
		rec.Key.AppID, rec.Key.Owner, rec.Key.CredentialType,
		issued, rec.TxRef, rec.TokenRef, rec.MetadataRef,
		nullTime(rec.IssuedAt), rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert credential record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the race. Someone else already recorded this claim.
		existing, err := s.Get(ctx, rec.Key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("credential record for %s vanished after conflict", rec.Key)
		}
		return existing, nil
	}
	return &rec, nil
}

// CompleteProvenance fills in a missing transaction reference on an issued
// record. It never clears an existing reference and never flips issued.
func (s *Store) CompleteProvenance(ctx context.Context, key ClaimKey, txRef string) error {
	key = key.Normalize()
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return errors.New("transaction reference required")
	}
	const stmt = `UPDATE credential_records SET tx_ref = ? WHERE app_id = ? AND owner = ? AND credential_type = ? AND issued = 1 AND tx_ref = ''`
	_, err := s.db.ExecContext(ctx, stmt, txRef, key.AppID, key.Owner, key.CredentialType)
	if err != nil {
		return fmt.Errorf("complete provenance for %s: %w", key, err)
	}
	return nil
}

// ListIncomplete returns issued records that still lack a transaction
// reference, oldest first, for the provenance backfill loop.
func (s *Store) ListIncomplete(ctx context.Context, limit int) ([]CredentialRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + recordColumns + ` FROM credential_records WHERE issued = 1 AND tx_ref = '' ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list incomplete records: %w", err)
	}
	defer rows.Close()
	var records []CredentialRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*CredentialRecord, error) {
	var rec CredentialRecord
	var issued int
	var issuedAt sql.NullTime
	if err := row.Scan(&rec.Key.AppID, &rec.Key.Owner, &rec.Key.CredentialType,
		&issued, &rec.TxRef, &rec.TokenRef, &rec.MetadataRef, &issuedAt, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Issued = issued == 1
	if issuedAt.Valid {
		rec.IssuedAt = issuedAt.Time
	}
	return &rec, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
