package executor

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cleanbox/internal/model"
	"cleanbox/pkg/util"
)

type received struct {
	from string
	to   []string
	data string
	tls  bool
}

type backend struct {
	mu      sync.Mutex
	msgs    []received
	rcptErr error
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	return &session{b: b, tls: isTLS}, nil
}

type session struct {
	b   *backend
	tls bool
	cur received
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.b.rcptErr != nil {
		return s.b.rcptErr
	}
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = string(b)
	s.cur.tls = s.tls
	s.b.mu.Lock()
	s.b.msgs = append(s.b.msgs, s.cur)
	s.b.mu.Unlock()
	return nil
}

func (s *session) Reset()        { s.cur = received{} }
func (s *session) Logout() error { return nil }

func startRelay(t *testing.T, be *backend) string {
	return startRelayTLS(t, be, nil)
}

// startRelayTLS advertises STARTTLS when tlsCfg is set.
func startRelayTLS(t *testing.T, be *backend, tlsCfg *tls.Config) string {
	t.Helper()
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.TLSConfig = tlsCfg
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return l.Addr().String()
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
}

func TestParseMailto(t *testing.T) {
	got, err := parseMailto("mailto:unsub@list.example?subject=Remove%20me&body=bye")
	require.NoError(t, err)
	assert.Equal(t, mailtoTarget{To: "unsub@list.example", Subject: "Remove me", Body: "bye"}, got)

	got, err = parseMailto("MAILTO:a@x.example,b@x.example")
	require.NoError(t, err)
	assert.Equal(t, "a@x.example", got.To)
	assert.Equal(t, "unsubscribe", got.Subject)
	assert.Equal(t, "unsubscribe", got.Body)

	_, err = parseMailto("mailto:nobody")
	assert.Error(t, err)
}

func TestMailtoExecutor_Sends(t *testing.T) {
	be := &backend{}
	addr := startRelay(t, be)

	e := NewMailtoExecutor(SMTPConfig{Addr: addr}, zap.NewNop())
	res, err := e.Execute(context.Background(), Request{
		URL:  "mailto:unsub@list.example?subject=unsubscribe%20123",
		Kind: model.ChannelMailto,
		From: "me@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "mail sent to unsub@list.example", res.Detail)

	require.Len(t, be.msgs, 1)
	msg := be.msgs[0]
	assert.Equal(t, "me@example.com", msg.from)
	assert.Equal(t, []string{"unsub@list.example"}, msg.to)
	assert.Contains(t, msg.data, "Subject: unsubscribe 123\r\n")
	assert.Contains(t, msg.data, "From: <me@example.com>\r\n")
}

func TestMailtoExecutor_UpgradesWithStartTLS(t *testing.T) {
	be := &backend{}
	addr := startRelayTLS(t, be, selfSignedTLS(t))

	e := NewMailtoExecutor(SMTPConfig{Addr: addr, InsecureSkipVerify: true}, zap.NewNop())
	_, err := e.Execute(context.Background(), Request{
		URL:  "mailto:unsub@list.example",
		Kind: model.ChannelMailto,
		From: "me@example.com",
	})
	require.NoError(t, err)

	require.Len(t, be.msgs, 1)
	assert.True(t, be.msgs[0].tls, "message must travel over the upgraded connection")
	assert.Equal(t, []string{"unsub@list.example"}, be.msgs[0].to)
}

func TestMailtoExecutor_Errors(t *testing.T) {
	be := &backend{rcptErr: &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}}
	addr := startRelay(t, be)
	e := NewMailtoExecutor(SMTPConfig{Addr: addr}, zap.NewNop())

	_, err := e.Execute(context.Background(), Request{URL: "mailto:gone@list.example", From: "me@example.com"})
	require.Error(t, err)
	retryable, _ := util.IsRetryableError(err)
	assert.False(t, retryable, "5xx reply is permanent")

	_, err = e.Execute(context.Background(), Request{URL: "mailto:x@list.example"})
	var pe *util.PermanentError
	assert.True(t, errors.As(err, &pe), "missing sender")

	down := NewMailtoExecutor(SMTPConfig{Addr: "127.0.0.1:1"}, zap.NewNop())
	_, err = down.Execute(context.Background(), Request{URL: "mailto:x@list.example", From: "me@example.com"})
	retryable, _ = util.IsRetryableError(err)
	assert.True(t, retryable, "relay unreachable")
}
