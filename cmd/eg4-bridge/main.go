// Command eg4-bridge runs the bridge process: it loads a YAML
// configuration, dials every enabled inverter, and wires the coordinator,
// command router, scheduler, and configured sinks together until a signal
// asks it to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jaredmauch/eg4-bridge/internal/bus"
	"github.com/jaredmauch/eg4-bridge/internal/config"
	"github.com/jaredmauch/eg4-bridge/internal/coordinator"
	"github.com/jaredmauch/eg4-bridge/internal/inverter"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
	"github.com/jaredmauch/eg4-bridge/internal/matcher"
	"github.com/jaredmauch/eg4-bridge/internal/mqttrouter"
	"github.com/jaredmauch/eg4-bridge/internal/registercache"
	"github.com/jaredmauch/eg4-bridge/internal/registry"
	"github.com/jaredmauch/eg4-bridge/internal/scheduler"
	"github.com/jaredmauch/eg4-bridge/internal/sink/influxsink"
	"github.com/jaredmauch/eg4-bridge/internal/sink/mqttsink"
	"github.com/jaredmauch/eg4-bridge/internal/sink/sqlsink"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "eg4-bridge",
	Short: "Bridge EG4/LXP hybrid inverters to MQTT, InfluxDB, and SQL",
	Long: "eg4-bridge maintains a TCP connection to one or more EG4 hybrid\n" +
		"inverters speaking the LXP dialect, validates and decodes their\n" +
		"register traffic, and republishes it to MQTT (with Home Assistant\n" +
		"discovery), InfluxDB, and/or a generic SQL database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("eg4-bridge: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	store := config.NewStore(cfg)

	logStartupSummary(entry, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("shutdown signal received")
		cancel()
	}()

	var catalog *registry.Catalog
	if cfg.RegisterFile != "" {
		catalog, err = registry.LoadCatalog(cfg.RegisterFile)
		if err != nil {
			return fmt.Errorf("eg4-bridge: %w", err)
		}
	}

	b := bus.New()
	defer b.Shutdown()
	cache := registercache.New()
	mtch := matcher.New()
	stats := coordinator.NewStats(time.Now())
	coord := coordinator.New(b, mtch, cache, stats, entry)
	go coord.Run(ctx)

	var mqttRouter *mqttrouter.Router
	var mqttTelemetry *mqttsink.Sink
	if cfg.MQTT.Enabled {
		routerCfg := mqttrouter.Config{
			Host: cfg.MQTT.Host, Port: cfg.MQTT.Port,
			Username: cfg.MQTT.Username, Password: cfg.MQTT.Password,
			ClientID: "eg4-bridge", Namespace: cfg.MQTT.Namespace,
		}
		mqttRouter = mqttrouter.New(entry, routerCfg)
		if err := mqttRouter.Connect(); err != nil {
			return fmt.Errorf("eg4-bridge: %w", err)
		}
		defer mqttRouter.Disconnect()

		mqttTelemetry = mqttsink.New(entry, b, mqttsink.Config{
			Host: cfg.MQTT.Host, Port: cfg.MQTT.Port,
			Username: cfg.MQTT.Username, Password: cfg.MQTT.Password,
			ClientID: "eg4-bridge", Namespace: cfg.MQTT.Namespace,
			PublishIndividualInput: cfg.MQTT.PublishIndividualInput,
		})
		if err := mqttTelemetry.Connect(); err != nil {
			return fmt.Errorf("eg4-bridge: %w", err)
		}
		defer mqttTelemetry.Disconnect()
		go mqttTelemetry.Run(ctx)
	}

	var influx *influxsink.Sink
	if cfg.Influx.Enabled {
		// influxdb-client-go/v2 is a v2 (token+org) client; the
		// configuration only carries v1-style username/password, so the
		// two are combined into a v1-compatibility token and org is left
		// empty, the documented way to drive the v2 client against a
		// v1.8+ server.
		influx = influxsink.New(entry, b, influxsink.Config{
			URL:      cfg.Influx.URL,
			Token:    cfg.Influx.Username + ":" + cfg.Influx.Password,
			Org:      "",
			Database: cfg.Influx.Database,
		}, catalog)
		defer influx.Close()
		go influx.Run(ctx)
	}

	var enabledDBs []sqlsink.Database
	for _, d := range cfg.Databases {
		if d.Enabled {
			enabledDBs = append(enabledDBs, sqlsink.Database{URL: d.URL})
		}
	}
	var sql *sqlsink.Sink
	if len(enabledDBs) > 0 {
		sql, err = sqlsink.New(entry, b, enabledDBs, catalog)
		if err != nil {
			return fmt.Errorf("eg4-bridge: %w", err)
		}
		defer sql.Close()
		go sql.Run(ctx)
	}

	var ticks []scheduler.InverterTick
	for _, inv := range store.Snapshot().Inverters {
		if !inv.Enabled {
			continue
		}
		if inv.Datalog == "" {
			entry.WithField("host", inv.Host).Warn("skipping inverter with no datalog configured")
			continue
		}
		datalog, err := serial.FromString(inv.Datalog)
		if err != nil {
			entry.WithError(err).WithField("host", inv.Host).Warn("skipping inverter with invalid datalog")
			continue
		}
		var invSerial serial.Serial
		if inv.Serial != "" {
			invSerial, _ = serial.FromString(inv.Serial)
		}

		delay := time.Duration(inv.DelayMs) * time.Millisecond
		coord.RegisterInverter(coordinator.InverterInfo{
			Datalog:                  datalog,
			Serial:                   invSerial,
			BlockSize:                inv.RegisterBlockSize,
			PublishHoldingsOnConnect: inv.PublishHoldingsOnConnect,
			ReadOnly:                 inv.ReadOnly || cfg.ReadOnly,
			Verbose:                  cfg.Verbose,
		}, delay)

		sessionCtx, sessionCancel := context.WithCancel(ctx)
		coord.RegisterDisconnectFunc(datalog, sessionCancel)

		session := inverter.New(inverter.Config{
			Host:         inv.Host,
			Port:         inv.Port,
			Datalog:      datalog,
			HeartbeatsOn: inv.Heartbeats,
			ReadTimeout:  time.Duration(inv.ReadTimeout) * time.Second,
			TCPNoDelay:   inv.UseTCPNoDelay,
		}, b, entry)
		go session.Run(sessionCtx)

		engine, _ := coord.Engine(datalog)

		if mqttRouter != nil {
			mqttRouter.RegisterInverter(datalog, engine, inv.RegisterBlockSize)
			if cfg.MQTT.HomeAssistant.Enabled {
				if err := mqttRouter.PublishDiscovery(cfg.MQTT.HomeAssistant.Prefix, datalog); err != nil {
					entry.WithError(err).WithField("datalog", datalog.String()).Warn("home assistant discovery publish failed")
				}
			}
		}

		interval := time.Duration(inv.RegisterReadInterval) * time.Second
		if interval <= 0 {
			interval = time.Duration(cfg.RegisterReadInterval) * time.Second
		}
		ticks = append(ticks, scheduler.InverterTick{
			Datalog:  datalog,
			Engine:   engine,
			Interval: interval,
			Block:    inv.RegisterBlockSize,
			Delay:    delay,
		})
	}

	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		sched := scheduler.New(entry, ticks, cfg.Scheduler.TimesyncCron)
		go sched.Run(ctx)
	}

	<-ctx.Done()
	entry.Info("eg4-bridge: shutdown complete")
	return nil
}

func logStartupSummary(log *logrus.Entry, cfg *config.Config) {
	log.Infof("eg4-bridge starting: %d inverter(s) configured", len(cfg.Inverters))
	log.Infof("  mqtt: enabled=%v namespace=%s", cfg.MQTT.Enabled, cfg.MQTT.Namespace)
	log.Infof("  influx: enabled=%v database=%s", cfg.Influx.Enabled, cfg.Influx.Database)
	log.Infof("  databases: %d configured", len(cfg.Databases))
	log.Infof("  scheduler: enabled=%v", cfg.Scheduler != nil && cfg.Scheduler.Enabled)
}
