package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 5 * time.Minute
)

// ConnectionManager maintains a single AMQP connection and transparently
// re-dials with exponential backoff when the broker drops it.
type ConnectionManager struct {
	url            string
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	connected bool
	done      chan struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(m *ConnectionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts.
// The actual delay grows exponentially from this base.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(m *ConnectionManager) {
		if delay > 0 {
			m.reconnectDelay = delay
		}
	}
}

// WithMaxRetries limits the number of reconnection attempts. A value
// of zero or less retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(m *ConnectionManager) {
		m.maxRetries = retries
	}
}

// NewConnectionManager creates a manager for the given URL. Connect must
// be called before the connection can be used.
func NewConnectionManager(url string, opts ...ConnectionOption) *ConnectionManager {
	m := &ConnectionManager{
		url:            url,
		reconnectDelay: defaultReconnectDelay,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect establishes the connection and arms the close watcher that
// drives automatic reconnection.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	connCh := make(chan *amqp.Connection, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := amqp.Dial(m.url)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	select {
	case conn := <-connCh:
		m.adopt(conn)
		m.logger.Info("connected to RabbitMQ", slog.String("url", SanitizeURL(m.url)))
		return nil
	case err := <-errCh:
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(m.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	case <-ctx.Done():
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(m.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

// adopt installs a live connection and starts a watcher for its close
// notification. Caller must hold mu.
func (m *ConnectionManager) adopt(conn *amqp.Connection) {
	m.conn = conn
	m.connected = true
	closed := make(chan *amqp.Error, 1)
	conn.NotifyClose(closed)
	go m.watch(closed)
}

// watch blocks on one connection generation's close notification and
// triggers the reconnect loop when the broker drops it unexpectedly.
func (m *ConnectionManager) watch(closed chan *amqp.Error) {
	select {
	case <-m.done:
		return
	case amqpErr := <-closed:
		if amqpErr == nil {
			// Graceful shutdown.
			return
		}
		m.logger.Error("connection lost",
			slog.String("url", SanitizeURL(m.url)),
			slog.String("reason", amqpErr.Error()))

		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()

		if err := m.reconnect(); err != nil {
			m.logger.Error("reconnection abandoned", slog.String("error", err.Error()))
		}
	}
}

// reconnect re-dials until a connection is established, the retry budget
// runs out, or the manager is closed.
func (m *ConnectionManager) reconnect() error {
	for attempt := 1; m.maxRetries <= 0 || attempt <= m.maxRetries; attempt++ {
		delay := m.backoff(attempt)
		m.logger.Info("reconnecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))

		select {
		case <-m.done:
			return ErrConnectionClosed
		case <-time.After(delay):
		}

		conn, err := amqp.Dial(m.url)
		if err != nil {
			m.logger.Warn("reconnection attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		m.mu.Lock()
		m.adopt(conn)
		m.mu.Unlock()
		m.logger.Info("reconnected to RabbitMQ", slog.String("url", SanitizeURL(m.url)))
		return nil
	}

	return &ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(m.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  m.maxRetries,
	}
}

// backoff returns the delay before the given attempt: exponential growth
// from the base delay with 25% jitter, capped at maxReconnectDelay.
func (m *ConnectionManager) backoff(attempt int) time.Duration {
	delay := m.reconnectDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxReconnectDelay || delay <= 0 {
		delay = maxReconnectDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2)) - delay/4
	return delay + jitter
}

// GetConnection returns the live connection or ErrConnectionNotReady.
func (m *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected || m.conn == nil {
		return nil, ErrConnectionNotReady
	}
	return m.conn, nil
}

// Channel opens a fresh channel on the managed connection. The caller
// owns the returned channel and must close it.
func (m *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := m.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// IsConnected reports whether a live connection is available.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Close shuts the manager down and closes the connection. Safe to call
// more than once.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	default:
		close(m.done)
	}

	m.connected = false
	if m.conn != nil && !m.conn.IsClosed() {
		if err := m.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	return nil
}
