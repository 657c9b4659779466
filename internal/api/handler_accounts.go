package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cleanbox/internal/mailbox"
	"cleanbox/internal/model"
	"cleanbox/internal/store"
	"cleanbox/pkg/logger"
	"cleanbox/pkg/util"
)

const stateTTL = 10 * time.Minute

type AccountHandler struct {
	accounts  store.AccountQuerier
	connector mailbox.Connector
	cipher    mailbox.TokenCipher
	jwtSecret string
	logger    *zap.Logger
}

func NewAccountHandler(accounts store.AccountQuerier, connector mailbox.Connector, cipher mailbox.TokenCipher, jwtSecret string, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:  accounts,
		connector: connector,
		cipher:    cipher,
		jwtSecret: jwtSecret,
		logger:    logger,
	}
}

// Connect handles GET /accounts/google/connect and returns the consent URL.
func (h *AccountHandler) Connect(c *gin.Context) {
	uid, _ := userID(c)
	state, err := util.GenerateStateToken(uid, h.jwtSecret, stateTTL)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": h.connector.AuthCodeURL(state)})
}

// Callback handles GET /accounts/google/callback. It is reached by browser
// redirect, so the user comes from the signed state instead of a bearer token.
func (h *AccountHandler) Callback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization denied: " + e})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}
	uid, err := util.ParseStateToken(c.Query("state"), h.jwtSecret)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}

	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger).With(zap.Int64("user_id", uid))

	tok, profile, err := h.connector.ExchangeCode(ctx, code)
	if err != nil {
		log.Warn("OAuth code exchange failed", zap.Error(err))
		if errors.Is(err, mailbox.ErrReconnectRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "authorization failed, please retry"})
			return
		}
		respondError(c, h.logger, err)
		return
	}

	// 没有新的 refresh token 时留空，upsert 会保留旧值
	var enc string
	if tok.RefreshToken != "" {
		if enc, err = h.cipher.Encrypt(tok.RefreshToken); err != nil {
			respondError(c, h.logger, err)
			return
		}
	}
	expiry := tok.Expiry
	acct, err := h.accounts.UpsertAccount(ctx, &model.MailboxAccount{
		UserID:          uid,
		Email:           profile.Email,
		Provider:        model.ProviderGmail,
		AccessToken:     tok.AccessToken,
		RefreshTokenEnc: enc,
		TokenExpiry:     &expiry,
		Scopes:          tok.Scopes,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	log.Info("Mailbox account connected", zap.Int64("account_id", acct.ID), zap.String("email", acct.Email))
	c.JSON(http.StatusOK, acct)
}

// List handles GET /accounts.
func (h *AccountHandler) List(c *gin.Context) {
	uid, _ := userID(c)
	accts, err := h.accounts.ListAccounts(c.Request.Context(), uid)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if accts == nil {
		accts = []*model.MailboxAccount{}
	}
	c.JSON(http.StatusOK, accts)
}

// Activate handles POST /accounts/:id/activate.
func (h *AccountHandler) Activate(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	uid, _ := userID(c)
	if err := h.accounts.SetActiveAccount(c.Request.Context(), uid, id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active", "account_id": id})
}

// Disconnect handles POST /accounts/:id/disconnect. Revocation at the
// provider is best effort; the stored credentials are always cleared.
func (h *AccountHandler) Disconnect(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	uid, _ := userID(c)
	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger).With(zap.Int64("account_id", id))

	acct, err := h.accounts.GetAccount(ctx, id)
	if err == nil && acct.UserID != uid {
		err = store.ErrNotFound
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if acct.Connected() {
		refresh, err := h.cipher.Decrypt(acct.RefreshTokenEnc)
		if err == nil {
			err = h.connector.Revoke(ctx, refresh)
		}
		if err != nil {
			log.Warn("Token revocation failed, clearing locally", zap.Error(err))
		}
	}

	if err := h.accounts.DisconnectAccount(ctx, id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	log.Info("Mailbox account disconnected")
	c.JSON(http.StatusOK, gin.H{"status": "disconnected", "account_id": id})
}
