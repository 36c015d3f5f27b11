package gasflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sputterlab/gasflow-core/internal/safety"
	"github.com/sputterlab/gasflow-core/internal/transport"
)

// Controller timing defaults, used when Config fields are zero.
const (
	defaultReadInterval      = time.Second
	defaultReconnectInterval = 5 * time.Second
	defaultCommandTimeout    = 2 * time.Second
	defaultStopTimeout       = 10 * time.Second
)

// Config contains controller timing and recovery settings.
type Config struct {
	// AutoReconnect enables the background reconnect loop. Error
	// channels and degraded links are retried for as long as the
	// controller runs.
	AutoReconnect bool

	// ReadInterval is the status poll period for connected channels.
	ReadInterval time.Duration

	// ReconnectInterval is the retry period for error channels.
	ReconnectInterval time.Duration

	// CommandTimeout bounds each hardware exchange.
	CommandTimeout time.Duration

	// StopTimeout bounds the zero-flow sequence during shutdown.
	StopTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadInterval <= 0 {
		c.ReadInterval = defaultReadInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
}

// managedChannel pairs a channel with a busy flag so a slow device cannot
// pile up overlapping polls.
type managedChannel struct {
	*Channel
	busy atomic.Bool
}

// Controller manages all configured channels: it polls connected devices
// on a fixed interval, reconnects failed ones, and routes every setpoint
// change through the safety gate.
//
// Thread Safety: all methods are safe for concurrent use.
type Controller struct {
	cfg    Config
	gate   *safety.Gate
	logger Logger

	mu       sync.RWMutex
	channels map[string]*managedChannel
	links    map[string]transport.Link // keyed by port path
	running  bool

	onReading         func(Reading)
	onStateChange     func(name string, from, to ChannelState)
	onSetpointApplied func(channel string, value float64)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewController creates a controller. Channels are registered with
// AddChannel before Start. A nil logger discards log output.
func NewController(cfg Config, gate *safety.Gate, logger Logger) *Controller {
	cfg.applyDefaults()
	if logger == nil {
		logger = noopLogger{}
	}
	return &Controller{
		cfg:      cfg,
		gate:     gate,
		logger:   logger,
		channels: make(map[string]*managedChannel),
		links:    make(map[string]transport.Link),
	}
}

// AddChannel registers a channel. Must be called before Start. Channels
// sharing a serial port share the same link; the caller is responsible
// for constructing them that way.
func (c *Controller) AddChannel(ch *Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	name := ch.Name()
	if _, exists := c.channels[name]; exists {
		return fmt.Errorf("gasflow: channel %q already registered", name)
	}

	ch.SetOnStateChange(c.fanOutStateChange)
	c.channels[name] = &managedChannel{Channel: ch}
	c.links[ch.Link().Port()] = ch.Link()
	return nil
}

// SetOnReading registers a callback invoked for every successful poll.
// Must be called before Start. The callback runs on a poll goroutine and
// must not block.
func (c *Controller) SetOnReading(fn func(Reading)) {
	c.mu.Lock()
	c.onReading = fn
	c.mu.Unlock()
}

// SetOnStateChange registers a callback invoked for every channel state
// transition. Must be called before Start.
func (c *Controller) SetOnStateChange(fn func(name string, from, to ChannelState)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// SetOnSetpointApplied registers a callback invoked after a device has
// accepted a new setpoint. Must be called before Start. The callback
// runs on the caller's goroutine and must not block.
func (c *Controller) SetOnSetpointApplied(fn func(channel string, value float64)) {
	c.mu.Lock()
	c.onSetpointApplied = fn
	c.mu.Unlock()
}

// Start opens the serial links, connects each channel, and launches the
// poll and reconnect loops. Channels that fail to connect land in error
// state and are retried by the reconnect loop; a dead device at boot is
// not fatal.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(c.channels) == 0 {
		c.mu.Unlock()
		return ErrNoChannels
	}
	c.running = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	for port, link := range c.links {
		if err := link.Open(); err != nil {
			c.logger.Error("failed to open serial link",
				"port", port,
				"error", err,
			)
		}
	}

	for _, mc := range c.snapshot() {
		connectCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		err := mc.Connect(connectCtx)
		cancel()
		if err != nil {
			c.logger.Warn("channel failed to connect at startup",
				"channel", mc.Name(),
				"error", err,
			)
		}
	}

	c.wg.Add(1)
	go c.pollLoop(done)

	if c.cfg.AutoReconnect {
		c.wg.Add(1)
		go c.reconnectLoop(done)
	}

	c.logger.Info("controller started",
		"channels", len(c.channels),
		"links", len(c.links),
		"read_interval", c.cfg.ReadInterval,
		"auto_reconnect", c.cfg.AutoReconnect,
	)
	return nil
}

// Stop shuts the controller down: loops are stopped, every connected
// channel is commanded to zero flow (best effort, bounded by StopTimeout),
// and the serial links are released. Calling Stop on a controller that
// is not running, including one never started, is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	done := c.done
	c.mu.Unlock()

	close(done)
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()

	var errs []error
	if err := c.zeroAllFlows(ctx); err != nil {
		errs = append(errs, err)
	}

	for _, mc := range c.snapshot() {
		mc.Disconnect()
	}

	for port, link := range c.links {
		if err := link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing link %s: %w", port, err))
		}
	}

	c.logger.Info("controller stopped")
	return errors.Join(errs...)
}

// SetFlowRate validates, gate-checks, and applies a setpoint on a channel.
//
// A safety denial is a normal outcome: the returned decision carries the
// reason and the error is nil. Errors are reserved for unknown channels,
// out-of-range values, and hardware failures.
func (c *Controller) SetFlowRate(ctx context.Context, channel string, value float64) (safety.Decision, error) {
	c.mu.RLock()
	mc := c.channels[channel]
	c.mu.RUnlock()

	if mc == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
		return safety.Decision{Reason: err.Error()}, err
	}

	cfg := mc.Config()
	if value < 0 || value > cfg.MaxFlow {
		err := fmt.Errorf("%w: %.2f sccm outside [0, %.2f] on channel %s",
			ErrOutOfRange, value, cfg.MaxFlow, channel)
		return safety.Decision{Reason: err.Error()}, err
	}

	decision := c.gate.Approve(safety.Request{
		Channel: channel,
		GasType: cfg.GasType,
		Flow:    value,
	}, c.currentFlows())

	if !decision.Allowed {
		c.logger.Warn("setpoint denied",
			"channel", channel,
			"requested", value,
			"reason", decision.Reason,
		)
		return decision, nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	if err := mc.SetFlow(cmdCtx, value); err != nil {
		c.failLinkSiblings(mc)
		return safety.Decision{Reason: err.Error()}, err
	}

	c.logger.Info("setpoint applied",
		"channel", channel,
		"setpoint", value,
	)

	c.mu.RLock()
	fn := c.onSetpointApplied
	c.mu.RUnlock()
	if fn != nil {
		fn(channel, value)
	}
	return decision, nil
}

// StopAllFlows commands zero flow on every connected channel. Failures
// are collected, not short-circuited: one dead device must not leave the
// others flowing.
func (c *Controller) StopAllFlows(ctx context.Context) error {
	return c.zeroAllFlows(ctx)
}

// Status returns a snapshot of one channel.
func (c *Controller) Status(channel string) (ChannelStatus, error) {
	c.mu.RLock()
	mc := c.channels[channel]
	c.mu.RUnlock()

	if mc == nil {
		return ChannelStatus{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return mc.Status(), nil
}

// Statuses returns snapshots of all channels, ordered by name.
func (c *Controller) Statuses() []ChannelStatus {
	channels := c.snapshot()

	statuses := make([]ChannelStatus, 0, len(channels))
	for _, mc := range channels {
		statuses = append(statuses, mc.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// Reading returns the last stored reading for one channel, or nil when
// the channel has never been read. Never blocks on hardware.
func (c *Controller) Reading(channel string) (*Reading, error) {
	c.mu.RLock()
	mc := c.channels[channel]
	c.mu.RUnlock()

	if mc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return mc.LastReading(), nil
}

// Readings returns the last stored reading of every channel that has one,
// keyed by channel name. Never blocks on hardware.
func (c *Controller) Readings() map[string]Reading {
	channels := c.snapshot()

	readings := make(map[string]Reading, len(channels))
	for _, mc := range channels {
		if r := mc.LastReading(); r != nil {
			readings[mc.Name()] = *r
		}
	}
	return readings
}

// TotalFlow sums the latest measured mass flow across all channels.
// Channels without a reading contribute nothing.
func (c *Controller) TotalFlow() float64 {
	var total float64
	for _, r := range c.Readings() {
		total += r.MassFlow
	}
	return total
}

// Channels returns the registered channel names, ordered.
func (c *Controller) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pollLoop samples every connected channel on the read interval. A busy
// flag per channel prevents overlapping polls when a device answers
// slower than the interval.
func (c *Controller) pollLoop(done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, mc := range c.snapshot() {
				if mc.State() != StateConnected {
					continue
				}
				if !mc.busy.CompareAndSwap(false, true) {
					continue
				}

				c.wg.Add(1)
				go func(mc *managedChannel) {
					defer c.wg.Done()
					defer mc.busy.Store(false)

					ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
					defer cancel()

					reading, err := mc.Poll(ctx)
					if err != nil {
						// The channel is now in error state; if the
						// failure tipped the link into degraded, its
						// siblings must not keep reporting connected.
						c.failLinkSiblings(mc)
						return
					}

					c.mu.RLock()
					fn := c.onReading
					c.mu.RUnlock()
					if fn != nil {
						fn(reading)
					}
				}(mc)
			}
		}
	}
}

// reconnectLoop retries failed channels and reopens degraded links on the
// reconnect interval, indefinitely.
func (c *Controller) reconnectLoop(done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.reopenDegradedLinks()
			c.reconnectFailedChannels()
		}
	}
}

// reopenDegradedLinks cycles links that have accumulated consecutive
// failures. Closing and reopening clears stale file descriptors after a
// USB converter is re-plugged.
func (c *Controller) reopenDegradedLinks() {
	for port, link := range c.links {
		if !link.Degraded() {
			continue
		}

		c.logger.Warn("reopening degraded link", "port", port)
		if err := link.Close(); err != nil {
			c.logger.Error("failed to close degraded link", "port", port, "error", err)
		}
		if err := link.Open(); err != nil {
			c.logger.Error("failed to reopen link", "port", port, "error", err)
		}
	}
}

// reconnectFailedChannels retries every channel not currently connected.
func (c *Controller) reconnectFailedChannels() {
	for _, mc := range c.snapshot() {
		state := mc.State()
		if state == StateConnected || state == StateConnecting {
			continue
		}
		if !mc.busy.CompareAndSwap(false, true) {
			continue
		}

		c.wg.Add(1)
		go func(mc *managedChannel) {
			defer c.wg.Done()
			defer mc.busy.Store(false)

			// Make sure the link is open; it may never have opened at
			// startup, or been cycled since.
			if err := mc.Link().Open(); err != nil && !errors.Is(err, transport.ErrAlreadyOpen) {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
			defer cancel()

			if err := mc.Connect(ctx); err == nil {
				c.logger.Info("channel reconnected", "channel", mc.Name())
			}
		}(mc)
	}
}

// zeroAllFlows commands zero flow on every connected channel, collecting
// failures.
func (c *Controller) zeroAllFlows(ctx context.Context) error {
	var errs []error

	for _, mc := range c.snapshot() {
		if mc.State() != StateConnected {
			continue
		}
		if err := mc.SetFlow(ctx, 0); err != nil {
			c.logger.Error("failed to zero flow",
				"channel", mc.Name(),
				"error", err,
			)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// currentFlows snapshots the latest measured mass flow of every channel
// for the safety gate. Channels that have never been read contribute
// their commanded setpoint: a device can deliver more or less than it
// was asked for, so the gate must judge against what is actually
// flowing whenever a reading exists.
func (c *Controller) currentFlows() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	flows := make(map[string]float64, len(c.channels))
	for name, mc := range c.channels {
		if r := mc.LastReading(); r != nil {
			flows[name] = r.MassFlow
		} else {
			flows[name] = mc.Setpoint()
		}
	}
	return flows
}

// failLinkSiblings moves every channel sharing a degraded link into error
// state. A single failing exchange only errors the channel it belonged
// to; once the link itself is degraded, siblings on the same port must
// stop reporting connected until the reconnect loop recovers the link.
func (c *Controller) failLinkSiblings(failed *managedChannel) {
	link := failed.Link()
	if !link.Degraded() {
		return
	}

	port := link.Port()
	for _, mc := range c.snapshot() {
		if mc == failed || mc.Link().Port() != port {
			continue
		}
		if state := mc.State(); state == StateConnected || state == StateConnecting {
			mc.fail(fmt.Errorf("%w: %s", ErrLinkDegraded, port))
		}
	}
}

// snapshot returns the current channel set without holding the lock
// during iteration by callers.
func (c *Controller) snapshot() []*managedChannel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	channels := make([]*managedChannel, 0, len(c.channels))
	for _, mc := range c.channels {
		channels = append(channels, mc)
	}
	return channels
}

// fanOutStateChange forwards channel state transitions to the registered
// controller-level callback.
func (c *Controller) fanOutStateChange(name string, from, to ChannelState) {
	c.mu.RLock()
	fn := c.onStateChange
	c.mu.RUnlock()
	if fn != nil {
		fn(name, from, to)
	}
}
