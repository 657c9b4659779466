package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cleanbox/internal/model"
	"cleanbox/internal/store"
	"cleanbox/pkg/logger"
	"cleanbox/pkg/util"
)

// RefreshLeeway covers provider latency during a scan batch.
const RefreshLeeway = 2 * time.Minute

type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// NeedsRefresh reports whether the access token is missing, has no known
// expiry, or expires within RefreshLeeway of now.
func (c Credential) NeedsRefresh(now time.Time) bool {
	return c.AccessToken == "" || c.Expiry.IsZero() || !now.Add(RefreshLeeway).Before(c.Expiry)
}

// RefreshIfNeeded returns cred itself when it is still usable, otherwise a new
// credential from r. It never persists anything; refreshed tells the caller
// whether there is something to store. A refresh response without a refresh
// token keeps the old one.
func RefreshIfNeeded(ctx context.Context, cred Credential, now time.Time, r Refresher) (Credential, bool, error) {
	if !cred.NeedsRefresh(now) {
		return cred, false, nil
	}
	if cred.RefreshToken == "" {
		return cred, false, util.Credential(fmt.Errorf("%w: no refresh token", ErrReconnectRequired))
	}

	tok, err := r.RefreshAccessToken(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrReconnectRequired) {
			return cred, false, util.Credential(err)
		}
		return cred, false, fmt.Errorf("refresh access token: %w", err)
	}

	next := Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	return next, true, nil
}

type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

type accountStore interface {
	GetAccount(ctx context.Context, id int64) (*model.MailboxAccount, error)
	UpdateAccountCredentials(ctx context.Context, id int64, u store.CredentialUpdate) error
}

// Resolver turns a stored account into a usable Auth, refreshing and
// persisting the credential when needed.
type Resolver struct {
	accounts       accountStore
	cipher         TokenCipher
	refresher      Refresher
	refreshTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

func NewResolver(accounts accountStore, cipher TokenCipher, refresher Refresher, logger *zap.Logger) *Resolver {
	return &Resolver{
		accounts:       accounts,
		cipher:         cipher,
		refresher:      refresher,
		refreshTimeout: 15 * time.Second,
		logger:         logger,
		now:            time.Now,
	}
}

func (r *Resolver) Resolve(ctx context.Context, accountID int64) (*model.MailboxAccount, Auth, error) {
	log := logger.WithTrace(ctx, r.logger).With(zap.Int64("account_id", accountID))

	acct, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Auth{}, util.Credential(fmt.Errorf("%w: account %d not found", ErrReconnectRequired, accountID))
		}
		return nil, Auth{}, fmt.Errorf("load account: %w", err)
	}
	if !acct.IsActive || !acct.Connected() {
		return nil, Auth{}, util.Credential(fmt.Errorf("%w: account %d is disconnected", ErrReconnectRequired, accountID))
	}

	refreshToken, err := r.cipher.Decrypt(acct.RefreshTokenEnc)
	if err != nil {
		log.Error("Stored refresh token unreadable", zap.Error(err))
		return nil, Auth{}, util.Credential(fmt.Errorf("%w: %v", ErrReconnectRequired, err))
	}

	cred := Credential{AccessToken: acct.AccessToken, RefreshToken: refreshToken}
	if acct.TokenExpiry != nil {
		cred.Expiry = *acct.TokenExpiry
	}

	refreshCtx, cancel := context.WithTimeout(ctx, r.refreshTimeout)
	defer cancel()
	next, refreshed, err := RefreshIfNeeded(refreshCtx, cred, r.now(), r.refresher)
	if err != nil {
		return nil, Auth{}, err
	}

	if refreshed {
		r.persist(ctx, log, acct, refreshToken, next)
	}
	return acct, Auth{AccountID: acct.ID, AccessToken: next.AccessToken}, nil
}

// persist failures are logged only; the next resolve refreshes again.
func (r *Resolver) persist(ctx context.Context, log *zap.Logger, acct *model.MailboxAccount, oldRefresh string, next Credential) {
	update := store.CredentialUpdate{AccessToken: next.AccessToken, Expiry: next.Expiry}
	if next.RefreshToken != oldRefresh {
		enc, err := r.cipher.Encrypt(next.RefreshToken)
		if err != nil {
			log.Error("Failed to encrypt rotated refresh token", zap.Error(err))
		} else {
			update.RefreshTokenEnc = &enc
		}
	}

	if err := r.accounts.UpdateAccountCredentials(ctx, acct.ID, update); err != nil {
		log.Warn("Failed to persist refreshed credential", zap.Error(err))
		return
	}
	acct.AccessToken = next.AccessToken
	acct.TokenExpiry = &next.Expiry
	log.Info("Access token refreshed", zap.Time("expiry", next.Expiry), zap.Bool("rotated", update.RefreshTokenEnc != nil))
}
