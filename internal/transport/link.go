package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// Link operation constants.
const (
	// defaultBaud is the line rate used when none is configured.
	defaultBaud = 19200

	// defaultExchangeTimeout bounds a single request/response pair.
	defaultExchangeTimeout = 2 * time.Second

	// portReadTimeout is the per-Read timeout on the underlying port.
	// Kept short so the exchange loop can observe context cancellation.
	portReadTimeout = 100 * time.Millisecond

	// degradedThreshold is the number of consecutive failed exchanges
	// after which the link reports itself degraded.
	degradedThreshold = 3
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Link is a request/response channel to one physical serial bus.
//
// Implementations must serialize exchanges: callers on different
// goroutines may invoke Exchange concurrently, but only one exchange is
// ever in flight on the wire.
type Link interface {
	// Open claims the port. Returns ErrAlreadyOpen if already open.
	Open() error

	// Exchange writes command to the bus and returns the next response
	// line with terminators stripped. Blocks until a line arrives, the
	// exchange timeout elapses, or ctx is cancelled.
	Exchange(ctx context.Context, command string) (string, error)

	// Degraded reports whether the last degradedThreshold exchanges all
	// failed. Cleared by any successful exchange or by reopening.
	Degraded() bool

	// Port returns the device path this link owns.
	Port() string

	// Close releases the port. Safe to call multiple times.
	Close() error
}

// DialFunc opens the underlying byte stream for a port. Injectable so
// tests can substitute an in-memory port.
type DialFunc func(port string, baud int) (io.ReadWriteCloser, error)

// serialDial opens a real serial port via tarm/serial.
func serialDial(port string, baud int) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{
		Name:        port,
		Baud:        baud,
		ReadTimeout: portReadTimeout,
	})
}

// LinkConfig configures a SerialLink.
type LinkConfig struct {
	// Port is the serial device path (e.g. /dev/ttyUSB0).
	Port string

	// Baud is the line rate. Zero means defaultBaud.
	Baud int

	// ExchangeTimeout bounds one request/response pair.
	// Zero means defaultExchangeTimeout.
	ExchangeTimeout time.Duration

	// Dial opens the byte stream. Nil means a real serial port.
	Dial DialFunc

	// Logger receives link events. Nil discards them.
	Logger Logger
}

// SerialLink is the Link implementation for a physical serial port.
//
// Thread Safety: all methods are safe for concurrent use. A mutex
// serializes exchanges so concurrent callers queue rather than interleave
// bytes on the shared bus.
type SerialLink struct {
	port    string
	baud    int
	timeout time.Duration
	dial    DialFunc
	logger  Logger

	mu   sync.Mutex // serializes exchanges, guards stream
	conn io.ReadWriteCloser

	failures atomic.Int32
}

// NewSerialLink creates a link for the given port. The port is not opened
// until Open is called.
func NewSerialLink(cfg LinkConfig) *SerialLink {
	if cfg.Baud <= 0 {
		cfg.Baud = defaultBaud
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = serialDial
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return &SerialLink{
		port:    cfg.Port,
		baud:    cfg.Baud,
		timeout: cfg.ExchangeTimeout,
		dial:    cfg.Dial,
		logger:  cfg.Logger,
	}
}

// Open claims the serial port.
func (l *SerialLink) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return ErrAlreadyOpen
	}

	conn, err := l.dial(l.port, l.baud)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("%w: %s", ErrPortNotFound, l.port)
		case errors.Is(err, os.ErrPermission):
			return fmt.Errorf("%w: %s", ErrPermissionDenied, l.port)
		default:
			return fmt.Errorf("opening %s: %w", l.port, err)
		}
	}

	l.conn = conn
	l.failures.Store(0)
	l.logger.Info("serial link open", "port", l.port, "baud", l.baud)
	return nil
}

// Exchange performs one serialized request/response pair on the bus.
func (l *SerialLink) Exchange(ctx context.Context, command string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return "", ErrNotOpen
	}

	line, err := l.exchange(ctx, command)
	if err != nil {
		n := l.failures.Add(1)
		if n == degradedThreshold {
			l.logger.Warn("serial link degraded",
				"port", l.port,
				"consecutive_failures", n,
				"error", err,
			)
		}
		return "", err
	}

	l.failures.Store(0)
	return line, nil
}

// exchange writes the command and accumulates response bytes until a line
// terminator arrives. Caller holds l.mu.
func (l *SerialLink) exchange(ctx context.Context, command string) (string, error) {
	if _, err := io.WriteString(l.conn, command); err != nil {
		return "", fmt.Errorf("writing command: %w", err)
	}

	deadline := time.Now().Add(l.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var sb strings.Builder
	chunk := make([]byte, 64)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w after %v", ErrTimeout, l.timeout)
		}

		n, err := l.conn.Read(chunk)
		for _, b := range chunk[:n] {
			if b == '\r' || b == '\n' {
				// Terminators before any payload are leftovers from a
				// previous exchange; skip them.
				if sb.Len() > 0 {
					return sb.String(), nil
				}
				continue
			}
			sb.WriteByte(b)
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading response: %w", err)
		}
		// n == 0 with nil or EOF error is a port read timeout; loop and
		// retry until the exchange deadline.
	}
}

// Degraded reports whether the link has failed degradedThreshold
// consecutive exchanges.
func (l *SerialLink) Degraded() bool {
	return l.failures.Load() >= degradedThreshold
}

// Port returns the device path this link owns.
func (l *SerialLink) Port() string {
	return l.port
}

// Close releases the serial port. Safe to call on a closed link.
func (l *SerialLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}

	err := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("closing %s: %w", l.port, err)
	}

	l.logger.Info("serial link closed", "port", l.port)
	return nil
}
