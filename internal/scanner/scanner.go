// Package scanner runs one discovery pass over a mailbox: list recent
// messages, read their unsubscribe headers and register what it finds.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cleanbox/contracts/mq"
	"cleanbox/internal/headerparser"
	"cleanbox/internal/mailbox"
	"cleanbox/internal/model"
	"cleanbox/internal/registry"
	"cleanbox/pkg/logger"
	"cleanbox/pkg/metrics"
)

type Config struct {
	Concurrency int           `yaml:"concurrency"`
	MaxMessages int           `yaml:"max_messages"`
	PageSize    int64         `yaml:"page_size"`
	Lookback    time.Duration `yaml:"lookback"`
	Timeout     time.Duration `yaml:"timeout"`
	Labels      []string      `yaml:"labels"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 20,
		MaxMessages: 2000,
		PageSize:    500,
		Lookback:    headerparser.DefaultLookback,
		Timeout:     2 * time.Minute,
		Labels:      []string{mailbox.LabelInbox, mailbox.LabelPromotions},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if len(c.Labels) == 0 {
		c.Labels = d.Labels
	}
	return c
}

// Result counts one scan pass.
type Result struct {
	MessagesListed    int `json:"messages_listed"`
	MessagesProcessed int `json:"messages_processed"`
	ChannelsFound     int `json:"channels_found"`
	Created           int `json:"created"`
	Enqueued          int `json:"enqueued"`
	FetchErrors       int `json:"fetch_errors"`
}

type CredentialResolver interface {
	Resolve(ctx context.Context, accountID int64) (*model.MailboxAccount, mailbox.Auth, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job mq.Job) (int64, bool, error)
}

type Scanner struct {
	provider mailbox.Provider
	resolver CredentialResolver
	registry *registry.Registry
	queue    Enqueuer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func New(provider mailbox.Provider, resolver CredentialResolver, reg *registry.Registry, queue Enqueuer, cfg Config, logger *zap.Logger) *Scanner {
	return &Scanner{
		provider: provider,
		resolver: resolver,
		registry: reg,
		queue:    queue,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Scan runs a full pass for the account. Credential, listing and store
// failures abort it; per-message fetch failures are skipped and counted.
// Everything committed before an abort stays valid, so a rerun is safe.
func (s *Scanner) Scan(ctx context.Context, accountID int64) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	log := logger.WithTrace(ctx, s.logger).With(zap.Int64("account_id", accountID))
	start := time.Now()

	_, auth, err := s.resolver.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ids, err := s.listIDs(ctx, auth)
	if err != nil {
		return nil, err
	}

	res := &Result{MessagesListed: len(ids)}
	var (
		mu      sync.Mutex
		created []*model.UnsubscribeTask
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	now := s.now()

	for _, id := range ids {
		g.Go(func() error {
			msg, err := s.provider.GetMessageHeaders(gctx, auth, id, headerparser.HeaderNames)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if errors.Is(err, mailbox.ErrMessageNotFound) {
					log.Debug("Message gone, skipping", zap.String("message_id", id))
					return nil
				}
				log.Warn("Failed to fetch message headers", zap.String("message_id", id), zap.Error(err))
				mu.Lock()
				res.FetchErrors++
				mu.Unlock()
				return nil
			}

			parsed := headerparser.Parse(headerparser.Headers{
				From:                msg.Header(headerparser.HeaderFrom),
				ListUnsubscribe:     msg.Header(headerparser.HeaderListUnsubscribe),
				ListUnsubscribePost: msg.Header(headerparser.HeaderListUnsubscribePost),
				Date:                msg.Header(headerparser.HeaderDate),
				InternalDate:        msg.InternalDate,
			}, now, s.cfg.Lookback)

			var fresh []*model.UnsubscribeTask
			for _, ch := range parsed.Channels {
				reg, err := s.registry.Register(gctx, accountID, parsed.SenderName, ch)
				if err != nil {
					if errors.Is(err, registry.ErrUnusableChannel) {
						log.Debug("Skipping unusable channel", zap.String("url", ch.URL), zap.Error(err))
						continue
					}
					return fmt.Errorf("register channel from message %s: %w", id, err)
				}
				if reg.Created {
					fresh = append(fresh, reg.Task)
				}
			}

			mu.Lock()
			res.MessagesProcessed++
			res.ChannelsFound += len(parsed.Channels)
			created = append(created, fresh...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan account %d: %w", accountID, err)
	}

	res.Created = len(created)
	for _, t := range created {
		if t.Status != model.StatusQueued {
			continue
		}
		// 入队失败的任务由 sweeper 补发
		if _, _, err := s.queue.Enqueue(ctx, ExecuteJobFor(t)); err != nil {
			log.Warn("Failed to enqueue task", zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		res.Enqueued++
	}

	metrics.IncrementScanMessages("parsed", res.MessagesProcessed)
	metrics.IncrementScanMessages("error", res.FetchErrors)
	metrics.IncrementTasksCreated(res.Created)

	log.Info("Scan completed",
		zap.Int("listed", res.MessagesListed),
		zap.Int("processed", res.MessagesProcessed),
		zap.Int("channels", res.ChannelsFound),
		zap.Int("created", res.Created),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("fetch_errors", res.FetchErrors),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// listIDs pages each label until exhausted or MaxMessages distinct ids.
func (s *Scanner) listIDs(ctx context.Context, auth mailbox.Auth) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string

	for _, label := range s.cfg.Labels {
		token := ""
		for {
			page, err := s.provider.ListMessageIDs(ctx, auth, mailbox.ListQuery{
				Label:     label,
				NewerThan: s.cfg.Lookback,
				PageSize:  s.cfg.PageSize,
				PageToken: token,
			})
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", label, err)
			}
			for _, id := range page.IDs {
				if seen[id] {
					continue
				}
				seen[id] = true
				ids = append(ids, id)
				if len(ids) >= s.cfg.MaxMessages {
					return ids, nil
				}
			}
			if page.NextPageToken == "" {
				break
			}
			token = page.NextPageToken
		}
	}
	return ids, nil
}

// ExecuteJobFor builds the execute job of a task. It never carries credentials.
func ExecuteJobFor(t *model.UnsubscribeTask) mq.ExecuteJob {
	return mq.ExecuteJob{
		TaskID:    t.ID,
		AccountID: t.AccountID,
		URL:       t.URL,
		Channel:   string(t.Kind),
		OneClick:  t.OneClick,
	}
}
