package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cleanbox/internal/model"
	"cleanbox/pkg/logger"
	"cleanbox/pkg/metrics"
	"cleanbox/pkg/util"
)

const defaultMailtoText = "unsubscribe"

type SMTPConfig struct {
	Addr     string        `yaml:"addr"` // host:port of the relay
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	// InsecureSkipVerify is for local relays with self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

type MailtoExecutor struct {
	cfg    SMTPConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewMailtoExecutor(cfg SMTPConfig, logger *zap.Logger) *MailtoExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &MailtoExecutor{cfg: cfg, logger: logger, now: time.Now}
}

// mailtoTarget is a parsed mailto: URL.
type mailtoTarget struct {
	To      string
	Subject string
	Body    string
}

func parseMailto(raw string) (mailtoTarget, error) {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, "mailto") {
		return mailtoTarget{}, fmt.Errorf("invalid mailto url %q", raw)
	}
	addr := u.Opaque
	if addr == "" {
		addr = u.Path
	}
	addr, err = url.PathUnescape(addr)
	if err != nil {
		return mailtoTarget{}, fmt.Errorf("invalid mailto address: %w", err)
	}
	// 多个收件人时只取第一个
	if i := strings.Index(addr, ","); i >= 0 {
		addr = addr[:i]
	}
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "@") {
		return mailtoTarget{}, fmt.Errorf("invalid mailto address %q", addr)
	}

	q := u.Query()
	t := mailtoTarget{To: addr, Subject: q.Get("subject"), Body: q.Get("body")}
	if t.Subject == "" {
		t.Subject = defaultMailtoText
	}
	if t.Body == "" {
		t.Body = defaultMailtoText
	}
	return t, nil
}

func (e *MailtoExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	target, err := parseMailto(req.URL)
	if err != nil {
		return Result{}, util.Permanent(err)
	}
	if req.From == "" {
		return Result{}, util.Permanent(errors.New("mailto unsubscribe needs a sender address"))
	}

	start := time.Now()
	err = e.send(ctx, req.From, target)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordExecutorCallLatency(string(model.ChannelMailto), status, time.Since(start))

	if err != nil {
		logger.WithTrace(ctx, e.logger).Warn("Unsubscribe mail failed", zap.String("to", target.To), zap.Error(err))
		return Result{}, classifySMTP(err)
	}
	return Result{Detail: "mail sent to " + target.To}, nil
}

func (e *MailtoExecutor) send(ctx context.Context, from string, t mailtoTarget) error {
	deadline := time.Now().Add(e.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c, err := e.dial(ctx, deadline, false)
	if err != nil {
		return err
	}
	if err := c.Hello("localhost"); err != nil {
		c.Close()
		return err
	}
	// relay 支持 STARTTLS 时重新连接并升级
	if ok, _ := c.Extension("STARTTLS"); ok {
		c.Close()
		if c, err = e.dial(ctx, deadline, true); err != nil {
			return err
		}
	}
	defer c.Close()

	if e.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", e.cfg.Username, e.cfg.Password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.SendMail(from, []string{t.To}, bytes.NewReader(e.compose(from, t))); err != nil {
		return err
	}
	return c.Quit()
}

func (e *MailtoExecutor) dial(ctx context.Context, deadline time.Time, startTLS bool) (*smtp.Client, error) {
	dialer := &net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", e.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial smtp relay: %w", err)
	}

	var c *smtp.Client
	if startTLS {
		host, _, _ := net.SplitHostPort(e.cfg.Addr)
		c, err = smtp.NewClientStartTLS(conn, &tls.Config{ServerName: host, InsecureSkipVerify: e.cfg.InsecureSkipVerify})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = e.cfg.Timeout
	c.SubmissionTimeout = e.cfg.Timeout
	return c, nil
}

func (e *MailtoExecutor) compose(from string, t mailtoTarget) []byte {
	var b bytes.Buffer
	domain := from[strings.LastIndex(from, "@")+1:]
	fmt.Fprintf(&b, "From: <%s>\r\n", from)
	fmt.Fprintf(&b, "To: <%s>\r\n", t.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(t.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.NewString(), domain)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(t.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// classifySMTP marks 5xx replies permanent. 4xx and transport errors stay retryable.
func classifySMTP(err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) && se.Code >= 500 {
		return util.Permanent(err)
	}
	return err
}
