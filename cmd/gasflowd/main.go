// gasflowd - multi-channel gas flow controller service
//
// This is the main entry point for the gasflow-core service. It manages
// mass flow controllers on shared RS-485 buses for thin-film deposition:
//   - Polls every configured channel and persists readings
//   - Gates every setpoint command through chamber safety limits
//   - Runs timed deposition recipes
//   - Exposes a REST API and MQTT telemetry fan-out
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/sputterlab/gasflow-core/migrations"

	"github.com/sputterlab/gasflow-core/internal/api"
	"github.com/sputterlab/gasflow-core/internal/audit"
	"github.com/sputterlab/gasflow-core/internal/gasflow"
	"github.com/sputterlab/gasflow-core/internal/infrastructure/config"
	"github.com/sputterlab/gasflow-core/internal/infrastructure/database"
	"github.com/sputterlab/gasflow-core/internal/infrastructure/influxdb"
	"github.com/sputterlab/gasflow-core/internal/infrastructure/logging"
	"github.com/sputterlab/gasflow-core/internal/infrastructure/mqtt"
	"github.com/sputterlab/gasflow-core/internal/recipe"
	"github.com/sputterlab/gasflow-core/internal/safety"
	"github.com/sputterlab/gasflow-core/internal/transport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Reading retention: readings older than this are pruned periodically.
const (
	readingRetention = 30 * 24 * time.Hour
	pruneInterval    = 6 * time.Hour
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting gasflowd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	readings := gasflow.NewSQLiteReadingRepository(db.DB)
	executions := recipe.NewSQLiteExecutionRepository(db.DB)
	auditTrail := audit.NewSQLiteRepository(db.DB)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Safety gate with chamber limits
	gate := safety.NewGate(safety.Limits{
		MaxIndividualFlow:   cfg.Safety.MaxIndividualFlow,
		MaxTotalFlow:        cfg.Safety.MaxTotalFlow,
		MaxOxygenPercentage: cfg.Safety.MaxOxygenPercentage,
		MinPressureForFlow:  cfg.Safety.MinPressureForFlow,
		EmergencyStopFlow:   cfg.Safety.EmergencyStopFlow,
	})

	// Flow controller with one shared link per physical bus
	controller := gasflow.NewController(gasflow.Config{
		AutoReconnect:     cfg.Controller.AutoReconnect,
		ReadInterval:      cfg.GetReadInterval(),
		ReconnectInterval: cfg.GetReconnectInterval(),
		CommandTimeout:    cfg.GetCommandTimeout(),
		StopTimeout:       cfg.GetStopTimeout(),
	}, gate, log)

	if err := addChannels(cfg, controller, log); err != nil {
		return err
	}

	// Fan readings and state changes out to persistence and telemetry
	controller.SetOnReading(func(r gasflow.Reading) {
		recordCtx, recordCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer recordCancel()
		if recordErr := readings.Record(recordCtx, r); recordErr != nil {
			log.Error("recording reading", "channel", r.Channel, "error", recordErr)
		}

		if mqttClient != nil {
			payload, marshalErr := json.Marshal(r)
			if marshalErr == nil {
				topic := mqtt.Topics{}.Reading(r.Channel)
				if pubErr := mqttClient.PublishRetained(topic, payload); pubErr != nil {
					log.Warn("publishing reading", "channel", r.Channel, "error", pubErr)
				}
			}
		}

		if influxClient != nil {
			influxClient.WriteReading(r)
		}
	})

	controller.SetOnSetpointApplied(func(channel string, value float64) {
		if influxClient != nil {
			influxClient.WriteSetpointChange(channel, value)
		}
	})

	controller.SetOnStateChange(func(name string, from, to gasflow.ChannelState) {
		log.Info("channel state change", "channel", name, "from", from, "to", to)

		if mqttClient != nil {
			payload, marshalErr := json.Marshal(map[string]string{
				"channel": name,
				"from":    string(from),
				"to":      string(to),
			})
			if marshalErr == nil {
				topic := mqtt.Topics{}.ChannelStatus(name)
				if pubErr := mqttClient.Publish(topic, payload, byte(cfg.MQTT.QoS), true); pubErr != nil {
					log.Warn("publishing state change", "channel", name, "error", pubErr)
				}
			}
		}
	})

	// Start polling and reconnect loops
	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("starting controller: %w", err)
	}
	defer func() {
		log.Info("stopping controller")
		if stopErr := controller.Stop(); stopErr != nil {
			log.Error("error stopping controller", "error", stopErr)
		}
	}()
	log.Info("controller started", "channels", controller.Channels())

	// Recipe executor journals runs and fans events out to telemetry
	executor := recipe.NewExecutor(controller, recipe.ExecutorConfig{
		Journal: &journalFanout{
			repo:   executions,
			mqtt:   mqttClient,
			influx: influxClient,
			log:    log,
		},
		Logger: log,
	})
	defer func() {
		log.Info("stopping recipe executor")
		executor.Stop()
	}()

	// Accept setpoint commands over MQTT alongside the REST API
	if mqttClient != nil {
		if subErr := subscribeSetpointCommands(mqttClient, controller, auditTrail, byte(cfg.MQTT.QoS), log); subErr != nil {
			log.Warn("subscribing to setpoint commands", "error", subErr)
		}
	}

	// Start the REST API
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		Logger:     log,
		Controller: controller,
		Executor:   executor,
		Readings:   readings,
		Executions: executions,
		Audit:      auditTrail,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Prune old readings in the background
	go pruneLoop(ctx, readings, log)

	// Verify infrastructure is healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Recipe executor
	// 3. Controller (zeroes flows, closes links)
	// 4. InfluxDB / MQTT (if enabled)
	// 5. Database

	log.Info("gasflowd stopped")
	return nil
}

// addChannels builds one serial link per unique port and registers every
// enabled channel with the controller. Channels on the same bus share a
// link so their exchanges are serialized.
func addChannels(cfg *config.Config, controller *gasflow.Controller, log *logging.Logger) error {
	links := make(map[string]*transport.SerialLink)

	for name, chCfg := range cfg.Channels {
		if !chCfg.Enabled {
			log.Info("channel disabled, skipping", "channel", name)
			continue
		}

		link, ok := links[chCfg.SerialPort]
		if !ok {
			link = transport.NewSerialLink(transport.LinkConfig{
				Port:            chCfg.SerialPort,
				Baud:            chCfg.Baud,
				ExchangeTimeout: cfg.GetCommandTimeout(),
				Logger:          log,
			})
			links[chCfg.SerialPort] = link
		}

		channel := gasflow.NewChannel(gasflow.ChannelConfig{
			Name:       name,
			UnitID:     chCfg.UnitID,
			SerialPort: chCfg.SerialPort,
			MaxFlow:    chCfg.MaxFlow,
			GasType:    chCfg.GasType,
		}, link, log)

		if err := controller.AddChannel(channel); err != nil {
			return fmt.Errorf("adding channel %s: %w", name, err)
		}
		log.Info("channel registered",
			"channel", name,
			"unit_id", chCfg.UnitID,
			"port", chCfg.SerialPort,
			"gas", chCfg.GasType,
		)
	}

	return nil
}

// setpointCommand is the payload for gasflow/command/setpoint messages.
type setpointCommand struct {
	Channel string  `json:"channel"`
	Flow    float64 `json:"flow"`
}

// subscribeSetpointCommands accepts flow commands over MQTT. Commands pass
// through the same safety gate as REST commands; denials are logged and
// audited, not reported back to the publisher.
func subscribeSetpointCommands(client *mqtt.Client, controller *gasflow.Controller, auditTrail *audit.SQLiteRepository, qos byte, log *logging.Logger) error {
	topic := mqtt.Topics{}.SetpointCommand()

	recordAudit := func(ctx context.Context, entry *audit.Entry) {
		if auditErr := auditTrail.Create(ctx, entry); auditErr != nil {
			log.Error("recording audit entry", "action", entry.Action, "error", auditErr)
		}
	}

	return client.Subscribe(topic, qos, func(_ string, payload []byte) error {
		var cmd setpointCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("decoding setpoint command: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		decision, err := controller.SetFlowRate(ctx, cmd.Channel, cmd.Flow)
		if err != nil {
			recordAudit(ctx, &audit.Entry{
				Action: audit.ActionSetFlow, Channel: cmd.Channel, Source: "mqtt",
				Outcome: audit.OutcomeError,
				Detail:  map[string]any{"flow": cmd.Flow, "reason": err.Error()},
			})
			return fmt.Errorf("setpoint command for %s: %w", cmd.Channel, err)
		}
		if !decision.Allowed {
			log.Warn("setpoint command denied",
				"channel", cmd.Channel,
				"flow", cmd.Flow,
				"reason", decision.Reason,
			)
			recordAudit(ctx, &audit.Entry{
				Action: audit.ActionSetFlow, Channel: cmd.Channel, Source: "mqtt",
				Outcome: audit.OutcomeDenied,
				Detail:  map[string]any{"flow": cmd.Flow, "reason": decision.Reason},
			})
			return nil
		}

		recordAudit(ctx, &audit.Entry{
			Action: audit.ActionSetFlow, Channel: cmd.Channel, Source: "mqtt",
			Outcome: audit.OutcomeApplied,
			Detail:  map[string]any{"flow": cmd.Flow},
		})

		log.Info("setpoint command applied", "channel", cmd.Channel, "flow", cmd.Flow)
		return nil
	})
}

// pruneLoop periodically removes readings past the retention window.
func pruneLoop(ctx context.Context, readings *gasflow.SQLiteReadingRepository, log *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
			pruned, err := readings.Prune(pruneCtx, readingRetention)
			cancel()
			if err != nil {
				log.Error("pruning readings", "error", err)
				continue
			}
			if pruned > 0 {
				log.Info("pruned old readings", "count", pruned)
			}
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses GASFLOW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GASFLOW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// journalFanout journals recipe runs to SQLite and mirrors lifecycle
// events to MQTT and InfluxDB when those sinks are configured.
type journalFanout struct {
	repo   *recipe.SQLiteExecutionRepository
	mqtt   *mqtt.Client
	influx *influxdb.Client
	log    *logging.Logger
}

func (j *journalFanout) RecordStart(ctx context.Context, exec recipe.Execution) error {
	j.publishEvent(exec.ID, exec.RecipeName, "started")
	return j.repo.RecordStart(ctx, exec)
}

func (j *journalFanout) RecordFinish(ctx context.Context, id, status string, completedAt time.Time, failures []recipe.StepFailure) error {
	// The finish event carries only the execution ID; it joins back to
	// the journal row for the recipe name.
	j.publishEvent(id, "", status)
	return j.repo.RecordFinish(ctx, id, status, completedAt, failures)
}

func (j *journalFanout) publishEvent(executionID, recipeName, event string) {
	if j.mqtt != nil {
		payload, err := json.Marshal(map[string]string{
			"execution_id": executionID,
			"recipe":       recipeName,
			"event":        event,
		})
		if err == nil {
			topic := mqtt.Topics{}.RecipeEvent()
			if pubErr := j.mqtt.Publish(topic, payload, 1, false); pubErr != nil {
				j.log.Warn("publishing recipe event", "event", event, "error", pubErr)
			}
		}
	}

	if j.influx != nil {
		j.influx.WriteRecipeEvent(executionID, recipeName, event)
	}
}
