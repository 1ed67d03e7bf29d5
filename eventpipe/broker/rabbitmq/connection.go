package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/backoff"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

var ErrURLRequired = errors.New("rabbitmq url is required")

// Connection owns one AMQP connection and hands out channels on it,
// reconnecting lazily. Reconnects after failures are rate limited.
type Connection struct {
	url    string
	logger log.Logger
	dialer func(url string) (*amqp.Connection, error)

	mu                   sync.Mutex
	conn                 *amqp.Connection
	closed               bool
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// NewConnection prepares a connection to url without dialing.
func NewConnection(rawURL string, logger log.Logger) (*Connection, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrURLRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Connection{url: rawURL, logger: logger, dialer: amqp.Dial}, nil
}

// Channel returns a fresh channel, dialing first when the connection is
// missing or closed.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.channel")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	conn, err := c.connection(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", err)
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to open channel on rabbitmq", err)
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return ch, nil
}

func (c *Connection) connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	if c.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, c.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("rabbitmq connect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	c.logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := c.dialer(c.url)
	if err != nil {
		c.reconnectAttempts++

		sanitized := newSanitizedError(err, c.url, "failed to connect to rabbitmq")
		c.logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, c.url)),
			log.Int(log.KeyAttempt, c.reconnectAttempts),
		)

		return nil, sanitized
	}

	c.reconnectAttempts = 0
	c.conn = conn

	c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return conn, nil
}

// IsHealthy reports whether the connection is open.
func (c *Connection) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection and refuses further channels.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}

	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}

	return nil
}

type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

// sanitizeAMQPErr removes credentials of connectionString from err's text.
func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := strings.ReplaceAll(err.Error(), connectionString, redactedURL)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString constructs an AMQP URL, escaping user, password and
// vhost. An empty vhost selects the default one.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if vhost != "" {
		// vhost names may contain '/', which must travel as %2F.
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}
