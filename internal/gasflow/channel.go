package gasflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sputterlab/gasflow-core/internal/transport"
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

// Channel is one logical gas line backed by one MFC device.
//
// Thread Safety: all methods are safe for concurrent use. Hardware
// exchanges happen outside the channel lock, so status snapshots never
// block behind a slow device; the transport link serializes the bus.
type Channel struct {
	cfg    ChannelConfig
	link   transport.Link
	logger Logger

	mu          sync.RWMutex
	state       ChannelState
	lastReading *Reading
	lastErr     error
	setpoint    float64

	onStateChange func(name string, from, to ChannelState)
}

// NewChannel creates a channel in the disconnected state. A nil logger
// discards log output.
func NewChannel(cfg ChannelConfig, link transport.Link, logger Logger) *Channel {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Channel{
		cfg:    cfg,
		link:   link,
		logger: logger,
		state:  StateDisconnected,
	}
}

// Name returns the logical channel name.
func (ch *Channel) Name() string {
	return ch.cfg.Name
}

// Config returns the channel's static definition.
func (ch *Channel) Config() ChannelConfig {
	return ch.cfg
}

// Link returns the transport link this channel shares.
func (ch *Channel) Link() transport.Link {
	return ch.link
}

// SetOnStateChange registers a callback invoked after every state
// transition. Must be called before the channel is used; the callback
// runs outside the channel lock.
func (ch *Channel) SetOnStateChange(fn func(name string, from, to ChannelState)) {
	ch.mu.Lock()
	ch.onStateChange = fn
	ch.mu.Unlock()
}

// State returns the current lifecycle state.
func (ch *Channel) State() ChannelState {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state
}

// Setpoint returns the last known setpoint in sccm, from the most recent
// successful exchange.
func (ch *Channel) Setpoint() float64 {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.setpoint
}

// LastReading returns the most recent reading, or nil if none has been
// taken.
func (ch *Channel) LastReading() *Reading {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.lastReading == nil {
		return nil
	}
	r := *ch.lastReading
	return &r
}

// Status returns a point-in-time snapshot of the channel.
func (ch *Channel) Status() ChannelStatus {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	status := ChannelStatus{
		Name:         ch.cfg.Name,
		State:        ch.state,
		UnitID:       ch.cfg.UnitID,
		SerialPort:   ch.cfg.SerialPort,
		GasType:      ch.cfg.GasType,
		MaxFlow:      ch.cfg.MaxFlow,
		Setpoint:     ch.setpoint,
		LinkDegraded: ch.link.Degraded(),
	}
	if ch.lastReading != nil {
		r := *ch.lastReading
		status.LastReading = &r
	}
	if ch.lastErr != nil {
		status.LastError = ch.lastErr.Error()
	}
	return status
}

// Connect verifies the device is reachable with a status poll and moves
// the channel to connected. On failure the channel lands in error and the
// cause is recorded.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.setState(StateConnecting)

	if _, err := ch.Poll(ctx); err != nil {
		return fmt.Errorf("connecting channel %s: %w", ch.cfg.Name, err)
	}

	ch.logger.Info("channel connected",
		"channel", ch.cfg.Name,
		"unit_id", ch.cfg.UnitID,
		"port", ch.cfg.SerialPort,
	)
	return nil
}

// Poll reads the device status and updates the channel snapshot. A
// successful poll moves the channel to connected; a failed one moves it
// to error.
func (ch *Channel) Poll(ctx context.Context) (Reading, error) {
	line, err := ch.link.Exchange(ctx, transport.StatusCommand(ch.cfg.UnitID))
	if err != nil {
		ch.fail(err)
		return Reading{}, err
	}

	frame, err := transport.ParseStatusFrame(line, ch.cfg.UnitID)
	if err != nil {
		ch.fail(err)
		return Reading{}, err
	}

	return ch.store(frame), nil
}

// SetFlow commands a new setpoint in sccm.
//
// The range check against [0, MaxFlow] runs before any hardware
// communication; out-of-range requests leave the channel state untouched.
// Admission limits are the safety gate's concern and are enforced by the
// controller, not here.
func (ch *Channel) SetFlow(ctx context.Context, value float64) error {
	if value < 0 || value > ch.cfg.MaxFlow {
		return fmt.Errorf("%w: %.2f sccm outside [0, %.2f] on channel %s",
			ErrOutOfRange, value, ch.cfg.MaxFlow, ch.cfg.Name)
	}

	if ch.State() != StateConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, ch.cfg.Name)
	}

	// Refuse to write to a degraded link even if the channel has not
	// failed an exchange of its own yet.
	if ch.link.Degraded() {
		err := fmt.Errorf("%w: %s", ErrLinkDegraded, ch.cfg.SerialPort)
		ch.fail(err)
		return fmt.Errorf("setting flow on channel %s: %w", ch.cfg.Name, err)
	}

	line, err := ch.link.Exchange(ctx, transport.SetpointCommand(ch.cfg.UnitID, value))
	if err != nil {
		ch.fail(err)
		return fmt.Errorf("setting flow on channel %s: %w", ch.cfg.Name, err)
	}

	frame, err := transport.ParseStatusFrame(line, ch.cfg.UnitID)
	if err != nil {
		ch.fail(err)
		return fmt.Errorf("setting flow on channel %s: %w", ch.cfg.Name, err)
	}

	ch.store(frame)
	ch.logger.Debug("setpoint applied",
		"channel", ch.cfg.Name,
		"setpoint", value,
	)
	return nil
}

// Disconnect moves the channel to disconnected without touching the
// shared link; other channels may still be using the port.
func (ch *Channel) Disconnect() {
	ch.setState(StateDisconnected)
}

// store records a parsed frame as the latest reading and moves the
// channel to connected.
func (ch *Channel) store(frame transport.StatusFrame) Reading {
	reading := Reading{
		Channel:        ch.cfg.Name,
		Timestamp:      time.Now().UTC(),
		Pressure:       frame.Pressure,
		Temperature:    frame.Temperature,
		VolumetricFlow: frame.VolumetricFlow,
		MassFlow:       frame.MassFlow,
		Setpoint:       frame.Setpoint,
		Gas:            frame.Gas,
		ControlPoint:   frame.ControlPoint,
	}

	ch.mu.Lock()
	ch.lastReading = &reading
	ch.setpoint = frame.Setpoint
	ch.lastErr = nil
	from := ch.state
	ch.state = StateConnected
	fn := ch.onStateChange
	ch.mu.Unlock()

	if from != StateConnected && fn != nil {
		fn(ch.cfg.Name, from, StateConnected)
	}
	return reading
}

// fail records an exchange failure and moves the channel to error.
func (ch *Channel) fail(err error) {
	ch.mu.Lock()
	ch.lastErr = err
	from := ch.state
	ch.state = StateError
	fn := ch.onStateChange
	ch.mu.Unlock()

	if from != StateError {
		ch.logger.Warn("channel error",
			"channel", ch.cfg.Name,
			"error", err,
		)
		if fn != nil {
			fn(ch.cfg.Name, from, StateError)
		}
	}
}

// setState applies an unconditional state transition.
func (ch *Channel) setState(to ChannelState) {
	ch.mu.Lock()
	from := ch.state
	ch.state = to
	fn := ch.onStateChange
	ch.mu.Unlock()

	if from != to && fn != nil {
		fn(ch.cfg.Name, from, to)
	}
}
