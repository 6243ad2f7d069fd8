package payment

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"qrpay/internal/common/database"
)

// Migrations holds the schema migrations for the payment store.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// SessionRecord is the persisted view of a session. The live state
// machine is in-memory; records exist for history and support lookups.
type SessionRecord struct {
	ID           string
	UserID       string
	RawCode      string
	DeclaredType string
	Processor    string
	Kind         string
	State        string
	AmountMinor  *int64
	Currency     *string
	PaymentID    *string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LockAttempt records one quote acquisition attempt.
type LockAttempt struct {
	SessionID string
	Attempt   int
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

// Store persists session records and lock attempts.
type Store interface {
	UpsertSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]SessionRecord, error)
	RecordLockAttempt(ctx context.Context, att LockAttempt) error
}

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a store over the given connection pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// UpsertSession inserts or refreshes a session record.
func (s *PostgresStore) UpsertSession(ctx context.Context, rec SessionRecord) error {
	query := `
		INSERT INTO payment_sessions (
			id, user_id, raw_code, declared_type, processor, kind,
			state, amount_minor, currency, payment_id, error_message,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			amount_minor = EXCLUDED.amount_minor,
			currency = EXCLUDED.currency,
			payment_id = EXCLUDED.payment_id,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at`

	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.UserID, rec.RawCode, rec.DeclaredType, rec.Processor,
		rec.Kind, rec.State, rec.AmountMinor, rec.Currency, rec.PaymentID,
		rec.ErrorMessage, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession returns one session record.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	query := `
		SELECT id, user_id, raw_code, declared_type, processor, kind,
		       state, amount_minor, currency, payment_id, error_message,
		       created_at, updated_at
		FROM payment_sessions
		WHERE id = $1`

	var rec SessionRecord
	err := s.db.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.UserID, &rec.RawCode, &rec.DeclaredType, &rec.Processor,
		&rec.Kind, &rec.State, &rec.AmountMinor, &rec.Currency, &rec.PaymentID,
		&rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return SessionRecord{}, database.ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("getting session: %w", err)
	}
	return rec, nil
}

// ListSessionsByUser returns a user's most recent sessions.
func (s *PostgresStore) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]SessionRecord, error) {
	query := `
		SELECT id, user_id, raw_code, declared_type, processor, kind,
		       state, amount_minor, currency, payment_id, error_message,
		       created_at, updated_at
		FROM payment_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.RawCode, &rec.DeclaredType, &rec.Processor,
			&rec.Kind, &rec.State, &rec.AmountMinor, &rec.Currency, &rec.PaymentID,
			&rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordLockAttempt appends one acquisition attempt and touches the
// parent session row in the same transaction.
func (s *PostgresStore) RecordLockAttempt(ctx context.Context, att LockAttempt) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertLockAttempt(ctx, tx, att); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE payment_sessions SET updated_at = $2 WHERE id = $1`,
			att.SessionID, att.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("touching session: %w", err)
		}
		return nil
	})
}

func insertLockAttempt(ctx context.Context, q database.Querier, att LockAttempt) error {
	query := `
		INSERT INTO payment_lock_attempts (session_id, attempt, outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := q.Exec(ctx, query, att.SessionID, att.Attempt, att.Outcome, att.Detail, att.CreatedAt); err != nil {
		return fmt.Errorf("recording lock attempt: %w", err)
	}
	return nil
}

// persist writes the session's current state through the store.
// Best effort: persistence failures are logged, never fatal to the flow.
func (s *Service) persist(sess *Session) {
	if s.store == nil {
		return
	}

	sess.mu.Lock()
	rec := SessionRecord{
		ID:           sess.ID,
		UserID:       sess.UserID,
		RawCode:      sess.Scan.RawCode,
		DeclaredType: sess.Scan.DeclaredType,
		Processor:    string(sess.Classification.Processor),
		Kind:         string(sess.Classification.Kind),
		State:        string(sess.currentState()),
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    time.Now().UTC(),
	}
	if sess.amountSet {
		amount := sess.amount.AmountMinor
		currency := string(sess.amount.Currency)
		rec.AmountMinor = &amount
		rec.Currency = &currency
	}
	if sess.paymentID != "" {
		pid := sess.paymentID
		rec.PaymentID = &pid
	}
	if sess.errorMessage != "" {
		msg := sess.errorMessage
		rec.ErrorMessage = &msg
	}
	sess.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpsertSession(ctx, rec); err != nil {
		s.logger.Error("session persist failed", "session_id", rec.ID, "error", err)
	}
}
