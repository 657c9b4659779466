package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"cleanbox/internal/model"
	"cleanbox/pkg/circuitbreaker"
	"cleanbox/pkg/logger"
	"cleanbox/pkg/metrics"
	"cleanbox/pkg/util"
)

// oneClickBody is the RFC 8058 POST body.
const oneClickBody = "List-Unsubscribe=One-Click"

type HTTPConfig struct {
	Timeout   time.Duration         `yaml:"timeout"`
	UserAgent string                `yaml:"user_agent"`
	Breaker   circuitbreaker.Config `yaml:"breaker"`
}

type HTTPExecutor struct {
	client    *http.Client
	userAgent string
	breakers  *circuitbreaker.Group
	logger    *zap.Logger
}

// NewHTTPExecutor builds the executor. A nil client gets one with cfg.Timeout.
func NewHTTPExecutor(client *http.Client, cfg HTTPConfig, logger *zap.Logger) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cleanbox-unsubscribe/1.0"
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}
	return &HTTPExecutor{
		client:    client,
		userAgent: cfg.UserAgent,
		// 4xx 是对方明确的答复，不计入熔断
		breakers: circuitbreaker.NewGroup(cfg.Breaker, func(err error) bool {
			var pe *util.PermanentError
			return !errors.As(err, &pe)
		}),
		logger: logger,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return Result{}, util.Permanent(fmt.Errorf("invalid unsubscribe url %q", req.URL))
	}

	method := http.MethodGet
	var body io.Reader
	if req.OneClick {
		method = http.MethodPost
		body = strings.NewReader(oneClickBody)
	}

	var res Result
	start := time.Now()
	err = e.breakers.Execute(strings.ToLower(u.Host), func() error {
		var callErr error
		res, callErr = e.do(ctx, method, u.String(), body)
		return callErr
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordExecutorCallLatency(string(model.ChannelHTTPS), status, time.Since(start))

	if err != nil {
		logger.WithTrace(ctx, e.logger).Warn("Unsubscribe request failed",
			zap.String("method", method),
			zap.String("host", u.Host),
			zap.Error(err),
		)
		return Result{}, err
	}
	return res, nil
}

func (e *HTTPExecutor) do(ctx context.Context, method, target string, body io.Reader) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Result{}, util.Permanent(err)
	}
	httpReq.Header.Set("User-Agent", e.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	detail := fmt.Sprintf("%s %s", method, resp.Status)
	switch code := resp.StatusCode; {
	case code < 400:
		return Result{Detail: detail}, nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("unsubscribe endpoint busy: %s", detail)
	case code < 500:
		return Result{}, util.Permanent(fmt.Errorf("unsubscribe rejected: %s", detail))
	default:
		return Result{}, fmt.Errorf("unsubscribe endpoint error: %s", detail)
	}
}
