package gasflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sputterlab/gasflow-core/internal/safety"
	"github.com/sputterlab/gasflow-core/internal/transport"
)

func testGate() *safety.Gate {
	return safety.NewGate(safety.Limits{
		MaxIndividualFlow:   200,
		MaxTotalFlow:        500,
		MaxOxygenPercentage: 50,
		EmergencyStopFlow:   1000,
	})
}

func testControllerConfig() Config {
	return Config{
		AutoReconnect:     true,
		ReadInterval:      10 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
		CommandTimeout:    time.Second,
		StopTimeout:       time.Second,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestController(t *testing.T, link *fakeLink) *Controller {
	t.Helper()
	ctrl := NewController(testControllerConfig(), testGate(), nil)
	ch := NewChannel(testChannelConfig(), link, nil)
	if err := ctrl.AddChannel(ch); err != nil {
		t.Fatalf("AddChannel() error = %v", err)
	}
	return ctrl
}

// fixedFlowResponder reports a constant measured mass flow regardless of
// the commanded setpoint, the way a stuck or miscalibrated valve would.
func fixedFlowResponder(unitID string, massFlow float64) func(command string) (string, error) {
	return func(command string) (string, error) {
		trimmed := strings.TrimSuffix(command, "\r")
		if trimmed != unitID && !strings.HasPrefix(trimmed, unitID+"S") {
			return "", transport.ErrTimeout
		}
		return fmt.Sprintf("%s +014.70 +025.00 +%07.2f +%07.2f %06.2f Ar",
			unitID, massFlow, massFlow, 0.0), nil
	}
}

func TestController_StartNoChannels(t *testing.T) {
	ctrl := NewController(testControllerConfig(), testGate(), nil)

	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrNoChannels) {
		t.Errorf("Start() error = %v, want ErrNoChannels", err)
	}
}

func TestController_StartTwice(t *testing.T) {
	ctrl := newTestController(t, newFakeLink(statusResponder("A")))
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ctrl.Stop() //nolint:errcheck

	if err := ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestController_PollsReadings(t *testing.T) {
	link := newFakeLink(statusResponder("A"))
	ctrl := newTestController(t, link)

	var mu sync.Mutex
	var readings []Reading
	ctrl.SetOnReading(func(r Reading) {
		mu.Lock()
		readings = append(readings, r)
		mu.Unlock()
	})

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ctrl.Stop() //nolint:errcheck

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(readings) >= 3
	}, "no readings delivered")

	mu.Lock()
	defer mu.Unlock()
	if readings[0].Channel != "argon" {
		t.Errorf("reading.Channel = %q, want argon", readings[0].Channel)
	}
}

func TestController_SetFlowRate(t *testing.T) {
	link := newFakeLink(statusResponder("A"))
	ctrl := newTestController(t, link)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ctrl.Stop() //nolint:errcheck

	decision, err := ctrl.SetFlowRate(context.Background(), "argon", 50)
	if err != nil {
		t.Fatalf("SetFlowRate() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("SetFlowRate() decision = %+v, want approval", decision)
	}

	var found bool
	for _, cmd := range link.exchangeLog() {
		if cmd == "AS50.00\r" {
			found = true
		}
	}
	if !found {
		t.Error("setpoint command never reached the bus")
	}
}

func TestController_SetFlowRateUnknownChannel(t *testing.T) {
	ctrl := newTestController(t, newFakeLink(statusResponder("A")))

	_, err := ctrl.SetFlowRate(context.Background(), "helium", 10)
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("SetFlowRate() error = %v, want ErrUnknownChannel", err)
	}
}

func TestController_SetFlowRateOutOfRange(t *testing.T) {
	link := newFakeLink(statusResponder("A"))
	ctrl := newTestController(t, link)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ctrl.Stop() //nolint:errcheck

	decision, err := ctrl.SetFlowRate(context.Background(), "argon", 500)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("SetFlowRate() error = %v, want ErrOutOfRange", err)
	}
	if decision.Allowed {
		t.Error("out-of-range request reported as allowed")
	}
}

func TestController_SetFlowRateSafetyDenial(t *testing.T) {
	link := newFakeLink(statusResponder("B"))
	ctrl := NewController(testControllerConfig(), testGate(), nil)

	cfg := ChannelConfig{
		Name: "oxygen", UnitID: "B", SerialPort: "/dev/ttyFAKE",
		MaxFlow: 100, GasType: "O2", Enabled: true,
	}
	if err := ctrl.AddChannel(NewChannel(cfg, link, nil)); err != nil {
		t.Fatalf("AddChannel() error = %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ctrl.Stop() //nolint:errcheck

	// Oxygen alone in the chamber is 100% oxygen: over the 50% limit.
	decision, err := ctrl.SetFlowRate(context.Background(), "oxygen", 50)
	if err != nil {
		t.Fatalf("SetFlowRate() error = %v, want nil for safety denial", err)
	}
	if decision.Allowed {
		t.Fatal("SetFlowRate() approved an over-limit oxygen request")
	}
	if !strings.Contains(decision.Reason, "oxygen") {
		t.Errorf("decision.Reason = %q, want oxygen limit", decision.Reason)
	}

	// Denied requests must not reach the bus.
	for _, cmd := range link.exchangeLog() {
		if strings.Contains(cmd, "S50") {
			t.Errorf("denied setpoint reached the bus: %q", cmd)
		}
	}
}

func TestController_GateSeesMeasuredFlow(t *testing.T) {
	linkA := newFakeLink(fixedFlowResponder("A", 480))
	linkA.port = "/dev/ttyUSB0"
	linkB := newFakeLink(statusResponder("B"))
	linkB.port = "/dev/ttyUSB1"

	ctrl := NewController(testControllerConfig(), testGate(), nil)
	for _, c := range []struct {
		cfg  ChannelConfig
		link *fakeLink
	}{
		{ChannelConfig{Name: "argon", UnitID: "A", SerialPort: "/dev/ttyUSB0", MaxFlow: 200, GasType: "Ar", Enabled: true}, linkA},
		{ChannelConfig{Name: "nitrogen", UnitID: "B", SerialPort: "/dev/ttyUSB1", MaxFlow: 200, GasType: "N2", Enabled: true}, linkB},
	} {
		if err := ctrl.AddChannel(NewChannel(c.cfg, c.link, nil)); err != nil {
			t.Fatalf("AddChannel(%s) error = %v", c.cfg.Name, err)
		}
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ctrl.Stop() //nolint:errcheck

	// The argon valve delivers far more than its commanded setpoint.
	waitFor(t, func() bool {
		r, _ := ctrl.Reading("argon")
		return r != nil && r.MassFlow == 480
	}, "argon reading never arrived")

	// Measured 480 plus requested 100 breaches the 500 sccm total even
	// though every commanded setpoint is still zero.
	decision, err := ctrl.SetFlowRate(context.Background(), "nitrogen", 100)
	if err != nil {
		t.Fatalf("SetFlowRate() error = %v", err)
	}
	if decision.Allowed {
		t.Fatal("gate approved a request breaching the measured total flow")
	}
	if !strings.Contains(decision.Reason, "total flow") {
		t.Errorf("decision.Reason = %q, want total flow limit", decision.Reason)
	}

	// A request that fits under the measured total goes through.
	decision, err = ctrl.SetFlowRate(context.Background(), "nitrogen", 10)
	if err != nil {
		t.Fatalf("SetFlowRate() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("SetFlowRate() decision = %+v, want approval", decision)
	}
}

func TestController_DegradedLinkFailsSiblings(t *testing.T) {
	responders := map[string]func(command string) (string, error){
		"A": statusResponder("A"),
		"B": statusResponder("B"),
	}
	var mu sync.Mutex
	failing := map[string]bool{}
	link := newFakeLink(func(command string) (string, error) {
		unit := command[:1]
		mu.Lock()
		dead := failing[unit]
		mu.Unlock()
		if dead {
			return "", transport.ErrTimeout
		}
		if respond, ok := responders[unit]; ok {
			return respond(command)
		}
		return "", transport.ErrTimeout
	})

	cfg := testControllerConfig()
	cfg.AutoReconnect = false
	ctrl := NewController(cfg, testGate(), nil)
	for _, chCfg := range []ChannelConfig{
		{Name: "argon", UnitID: "A", SerialPort: "/dev/ttyFAKE", MaxFlow: 200, GasType: "Ar", Enabled: true},
		{Name: "nitrogen", UnitID: "B", SerialPort: "/dev/ttyFAKE", MaxFlow: 200, GasType: "N2", Enabled: true},
	} {
		if err := ctrl.AddChannel(NewChannel(chCfg, link, nil)); err != nil {
			t.Fatalf("AddChannel(%s) error = %v", chCfg.Name, err)
		}
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ctrl.Stop() //nolint:errcheck

	waitFor(t, func() bool {
		for _, s := range ctrl.Statuses() {
			if s.State != StateConnected {
				return false
			}
		}
		return true
	}, "channels never connected")

	// The bus degrades with only the argon device gone silent; nitrogen
	// shares the port and must not keep reporting connected.
	link.setDegraded(true)
	mu.Lock()
	failing["A"] = true
	mu.Unlock()

	waitFor(t, func() bool {
		status, _ := ctrl.Status("nitrogen")
		return status.State == StateError
	}, "sibling channel stayed connected on degraded link")

	before := len(link.exchangeLog())
	if _, err := ctrl.SetFlowRate(context.Background(), "nitrogen", 10); err == nil {
		t.Fatal("SetFlowRate() succeeded on a degraded link")
	}
	for _, cmd := range link.exchangeLog()[before:] {
		if strings.HasPrefix(cmd, "BS") {
			t.Errorf("setpoint reached the bus on a degraded link: %q", cmd)
		}
	}
}

func TestController_SetpointAppliedCallback(t *testing.T) {
	link := newFakeLink(statusResponder("A"))
	ctrl := newTestController(t, link)

	var mu sync.Mutex
	type applied struct {
		channel string
		value   float64
	}
	var got []applied
	ctrl.SetOnSetpointApplied(func(channel string, value float64) {
		mu.Lock()
		got = append(got, applied{channel, value})
		mu.Unlock()
	})

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ctrl.Stop() //nolint:errcheck

	if _, err := ctrl.SetFlowRate(context.Background(), "argon", 50); err != nil {
		t.Fatalf("SetFlowRate() error = %v", err)
	}

	// Rejected requests never fire the callback.
	if _, err := ctrl.SetFlowRate(context.Background(), "argon", 500); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("SetFlowRate() error = %v, want ErrOutOfRange", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(got))
	}
	if got[0].channel != "argon" || got[0].value != 50 {
		t.Errorf("callback got %+v, want {argon 50}", got[0])
	}
}

func TestController_Reconnect(t *testing.T) {
	link := newFakeLink(statusResponder("A"))
	ctrl := newTestController(t, link)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ctrl.Stop() //nolint:errcheck

	waitFor(t, func() bool {
		status, _ := ctrl.Status("argon")
		return status.State == StateConnected
	}, "channel never connected")

	// Device goes silent: channel must land in error.
	link.setRespond(nil)
	waitFor(t, func() bool {
		status, _ := ctrl.Status("argon")
		return status.State == StateError
	}, "channel never entered error state")

	// Device comes back: reconnect loop must recover it.
	link.setRespond(statusResponder("A"))
	waitFor(t, func() bool {
		status, _ := ctrl.Status("argon")
		return status.State == StateConnected
	}, "channel never reconnected")
}

func TestController_StopZeroesFlows(t *testing.T) {
	link := newFakeLink(statusResponder("A"))
	ctrl := newTestController(t, link)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := ctrl.SetFlowRate(context.Background(), "argon", 50); err != nil {
		t.Fatalf("SetFlowRate() error = %v", err)
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	var zeroed bool
	for _, cmd := range link.exchangeLog() {
		if cmd == "AS0.00\r" {
			zeroed = true
		}
	}
	if !zeroed {
		t.Error("Stop() never commanded zero flow")
	}

	// Stop is idempotent.
	if err := ctrl.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestController_StopBeforeStart(t *testing.T) {
	link := newFakeLink(statusResponder("A"))
	ctrl := newTestController(t, link)

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop() before Start error = %v", err)
	}

	// An early Stop must not poison a later run.
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() after early Stop error = %v", err)
	}
	if _, err := ctrl.SetFlowRate(context.Background(), "argon", 50); err != nil {
		t.Fatalf("SetFlowRate() error = %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if link.isOpen() {
		t.Error("link still open after Stop()")
	}
}

func TestController_StopWithDeadDeviceStillCloses(t *testing.T) {
	link := newFakeLink(statusResponder("A"))
	ctrl := newTestController(t, link)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, func() bool {
		status, _ := ctrl.Status("argon")
		return status.State == StateConnected
	}, "channel never connected")

	link.setRespond(nil) // dies before shutdown

	// Best effort: the zero-flow failure is reported but shutdown
	// completes and the link is released.
	_ = ctrl.Stop()

	if link.isOpen() {
		t.Error("link still open after Stop()")
	}
}

func TestController_Statuses(t *testing.T) {
	ctrl := NewController(testControllerConfig(), testGate(), nil)

	linkA := newFakeLink(statusResponder("A"))
	linkA.port = "/dev/ttyUSB0"
	linkB := newFakeLink(statusResponder("B"))
	linkB.port = "/dev/ttyUSB1"

	for _, cfg := range []ChannelConfig{
		{Name: "oxygen", UnitID: "B", SerialPort: "/dev/ttyUSB1", MaxFlow: 100, GasType: "O2"},
		{Name: "argon", UnitID: "A", SerialPort: "/dev/ttyUSB0", MaxFlow: 200, GasType: "Ar"},
	} {
		link := linkA
		if cfg.Name == "oxygen" {
			link = linkB
		}
		if err := ctrl.AddChannel(NewChannel(cfg, link, nil)); err != nil {
			t.Fatalf("AddChannel() error = %v", err)
		}
	}

	statuses := ctrl.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("len(Statuses()) = %d, want 2", len(statuses))
	}
	if statuses[0].Name != "argon" || statuses[1].Name != "oxygen" {
		t.Errorf("Statuses() not ordered by name: %v, %v", statuses[0].Name, statuses[1].Name)
	}

	if _, err := ctrl.Status("helium"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Status(helium) error = %v, want ErrUnknownChannel", err)
	}
}

func TestController_Readings(t *testing.T) {
	link := newFakeLink(statusResponder("A"))
	ctrl := newTestController(t, link)

	// Before the first poll there is nothing to report.
	if r, err := ctrl.Reading("argon"); err != nil || r != nil {
		t.Errorf("Reading() before start = %v, %v, want nil, nil", r, err)
	}
	if got := ctrl.Readings(); len(got) != 0 {
		t.Errorf("Readings() before start = %v, want empty", got)
	}
	if got := ctrl.TotalFlow(); got != 0 {
		t.Errorf("TotalFlow() before start = %v, want 0", got)
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer ctrl.Stop() //nolint:errcheck

	if _, err := ctrl.SetFlowRate(context.Background(), "argon", 50); err != nil {
		t.Fatalf("SetFlowRate() error = %v", err)
	}

	waitFor(t, func() bool {
		r, _ := ctrl.Reading("argon")
		return r != nil && r.MassFlow == 50
	}, "no reading at commanded flow")

	readings := ctrl.Readings()
	if r, ok := readings["argon"]; !ok || r.Channel != "argon" {
		t.Errorf("Readings() = %v, want argon entry", readings)
	}
	if got := ctrl.TotalFlow(); got != 50 {
		t.Errorf("TotalFlow() = %v, want 50", got)
	}

	if _, err := ctrl.Reading("helium"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Reading(helium) error = %v, want ErrUnknownChannel", err)
	}
}
