// Package postgres implements store.Store and store.JobStore on PostgreSQL
// through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cleanbox/internal/model"
	"cleanbox/internal/store"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	querier
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{querier: querier{db: pool}, pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(q store.Querier) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&querier{db: tx})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type querier struct {
	db DBTX
}

// inTx runs fn in a transaction, or a savepoint when q already is one.
func (q *querier) inTx(ctx context.Context, fn func(q *querier) error) error {
	return pgx.BeginFunc(ctx, q.db, func(tx pgx.Tx) error {
		return fn(&querier{db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

const accountColumns = `id, user_id, email, provider, access_token, refresh_token_enc,
	token_expiry, scopes, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.MailboxAccount, error) {
	var a model.MailboxAccount
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Email,
		&a.Provider,
		&a.AccessToken,
		&a.RefreshTokenEnc,
		&a.TokenExpiry,
		&a.Scopes,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (q *querier) GetAccount(ctx context.Context, id int64) (*model.MailboxAccount, error) {
	return scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM mailbox_accounts WHERE id = $1`, id))
}

func (q *querier) GetActiveAccount(ctx context.Context, userID int64) (*model.MailboxAccount, error) {
	return scanAccount(q.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM mailbox_accounts WHERE user_id = $1 AND is_active`, userID))
}

func (q *querier) ListAccounts(ctx context.Context, userID int64) ([]*model.MailboxAccount, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+accountColumns+` FROM mailbox_accounts WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.MailboxAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *querier) UpsertAccount(ctx context.Context, a *model.MailboxAccount) (*model.MailboxAccount, error) {
	var saved *model.MailboxAccount
	err := q.inTx(ctx, func(tx *querier) error {
		// 先取消其它账号的 active，避免撞上部分唯一索引
		if _, err := tx.db.Exec(ctx, `
            UPDATE mailbox_accounts SET is_active = FALSE, updated_at = NOW()
            WHERE user_id = $1 AND email <> $2 AND is_active
        `, a.UserID, a.Email); err != nil {
			return fmt.Errorf("deactivate accounts: %w", err)
		}

		provider := a.Provider
		if provider == "" {
			provider = model.ProviderGmail
		}
		scopes := a.Scopes
		if scopes == nil {
			scopes = []string{}
		}
		var err error
		saved, err = scanAccount(tx.db.QueryRow(ctx, `
            INSERT INTO mailbox_accounts
                (user_id, email, provider, access_token, refresh_token_enc, token_expiry, scopes, is_active)
            VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
            ON CONFLICT (user_id, email) DO UPDATE SET
                provider          = EXCLUDED.provider,
                access_token      = EXCLUDED.access_token,
                refresh_token_enc = CASE WHEN EXCLUDED.refresh_token_enc = ''
                                         THEN mailbox_accounts.refresh_token_enc
                                         ELSE EXCLUDED.refresh_token_enc END,
                token_expiry      = EXCLUDED.token_expiry,
                scopes            = EXCLUDED.scopes,
                is_active         = TRUE,
                updated_at        = NOW()
            RETURNING `+accountColumns,
			a.UserID, a.Email, provider, a.AccessToken, a.RefreshTokenEnc, a.TokenExpiry, scopes))
		return err
	})
	return saved, err
}

func (q *querier) UpdateAccountCredentials(ctx context.Context, id int64, u store.CredentialUpdate) error {
	tag, err := q.db.Exec(ctx, `
        UPDATE mailbox_accounts
        SET access_token = $2,
            token_expiry = $3,
            refresh_token_enc = COALESCE($4, refresh_token_enc),
            updated_at = NOW()
        WHERE id = $1
    `, id, u.AccessToken, u.Expiry, u.RefreshTokenEnc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *querier) SetActiveAccount(ctx context.Context, userID, accountID int64) error {
	return q.inTx(ctx, func(tx *querier) error {
		var owner int64
		err := tx.db.QueryRow(ctx,
			`SELECT user_id FROM mailbox_accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&owner)
		if err != nil {
			return notFound(err)
		}
		if owner != userID {
			return store.ErrNotFound
		}
		if _, err := tx.db.Exec(ctx, `
            UPDATE mailbox_accounts SET is_active = FALSE, updated_at = NOW()
            WHERE user_id = $1 AND id <> $2 AND is_active
        `, userID, accountID); err != nil {
			return err
		}
		_, err = tx.db.Exec(ctx,
			`UPDATE mailbox_accounts SET is_active = TRUE, updated_at = NOW() WHERE id = $1`, accountID)
		return err
	})
}

func (q *querier) DisconnectAccount(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `
        UPDATE mailbox_accounts
        SET access_token = '', refresh_token_enc = '', token_expiry = NULL,
            is_active = FALSE, updated_at = NOW()
        WHERE id = $1
    `, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *querier) UpsertSender(ctx context.Context, domain string, name *string) (*model.Sender, error) {
	var s model.Sender
	err := q.db.QueryRow(ctx, `
        INSERT INTO senders (domain, name)
        VALUES ($1, $2)
        ON CONFLICT (domain) DO UPDATE
            SET name = COALESCE(senders.name, EXCLUDED.name)
        RETURNING id, domain, name, created_at
    `, domain, name).Scan(&s.ID, &s.Domain, &s.Name, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const subscriptionColumns = `id, account_id, sender_id, canonical_id, last_seen_at,
	unsubscribed, unsubscribed_at, created_at`

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var s model.Subscription
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.SenderID,
		&s.CanonicalID,
		&s.LastSeenAt,
		&s.Unsubscribed,
		&s.UnsubscribedAt,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (q *querier) UpsertSubscription(ctx context.Context, accountID, senderID int64, canonicalID string, seenAt time.Time) (*model.Subscription, error) {
	return scanSubscription(q.db.QueryRow(ctx, `
        INSERT INTO subscriptions (account_id, sender_id, canonical_id, last_seen_at, created_at)
        VALUES ($1, $2, $3, $4, $4)
        ON CONFLICT (account_id, canonical_id) DO UPDATE
            SET last_seen_at = GREATEST(subscriptions.last_seen_at, EXCLUDED.last_seen_at)
        RETURNING `+subscriptionColumns,
		accountID, senderID, canonicalID, seenAt))
}

func (q *querier) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	return scanSubscription(q.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (q *querier) MarkSubscriptionUnsubscribed(ctx context.Context, id int64, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
        UPDATE subscriptions
        SET unsubscribed = TRUE, unsubscribed_at = COALESCE(unsubscribed_at, $2)
        WHERE id = $1
    `, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
