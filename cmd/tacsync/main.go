// Command tacsync runs one peer of the shared tactical picture: it polls
// the local telemetry source, swaps state with peers over UDP broadcast
// and serves the dashboard API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/link18/tacsync/internal/command"
	"github.com/link18/tacsync/internal/config"
	"github.com/link18/tacsync/internal/logging"
	"github.com/link18/tacsync/internal/monitor"
	"github.com/link18/tacsync/internal/netsync"
	"github.com/link18/tacsync/internal/registry"
	"github.com/link18/tacsync/internal/store"
	"github.com/link18/tacsync/internal/telemetry"
	"github.com/link18/tacsync/internal/web"
)

// Version can be set at build time via ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// sweepInterval drives the staleness sweeper. Peer entities expire after
// a minute of silence; sweeping every few seconds keeps removal prompt
// without hammering the store lock.
const sweepInterval = 5 * time.Second

func main() {
	configDir := flag.String("config", ".", "directory containing tacsync.cfg.json")
	callsignFlag := flag.String("callsign", "", "override the configured callsign")
	vehiclesPath := flag.String("vehicles", "vehicles.json", "vehicle display-name map")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tacsync %s (built %s)\n", Version, BuildDate)
		return
	}

	if err := config.Load(*configDir); err != nil {
		pterm.Warning.Printfln("No usable config file (%v), continuing with defaults", err)
	}

	callsign := config.GetString("callsign")
	if *callsignFlag != "" {
		callsign = *callsignFlag
	}
	if callsign == "" {
		host, _ := os.Hostname()
		callsign = "Pilot-" + host
	}

	pterm.DefaultBox.
		WithTitle("tacsync " + Version).
		WithTitleTopCenter().
		Println(fmt.Sprintf("callsign  %s\nudp port  %d\ndashboard http://localhost:%d",
			callsign, config.GetInt("udpPort"), config.GetInt("httpPort")))

	logger, closeLogs := logging.Setup(logging.Options{
		Level:          config.GetString("logLevel"),
		LogsDir:        config.GetString("logsDir"),
		Callsign:       callsign,
		GraylogAddress: graylogAddress(),
	})
	defer closeLogs()
	logger.Info().Str("version", Version).Str("buildDate", BuildDate).Msg("starting up")

	chatCfg := config.GetChatConfig()
	storeCfg := store.DefaultConfig()
	storeCfg.ChatMaxMessages = chatCfg.MaxMessages
	storeCfg.ChatWindow = chatCfg.Window
	st := store.New(storeCfg)

	reg := registry.Open(config.GetRegistryConfig(), logger)
	defer reg.Close()

	localAddrs, err := netsync.LocalAddrSet()
	if err != nil {
		logger.Warn().Err(err).Msg("interface enumeration failed, relying on sender filter only")
	}

	receiver, err := netsync.NewReceiver(config.GetInt("udpPort"), callsign, localAddrs, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot bind sync port")
	}

	tx, err := netsync.NewTransmitter(netsync.TransmitterConfig{
		Port:                config.GetInt("udpPort"),
		BroadcastIP:         config.GetString("broadcastIp"),
		DisableLanBroadcast: config.GetBool("disableLanBroadcast"),
		Interval:            time.Duration(config.GetInt("broadcastIntervalMs")) * time.Millisecond,
		Callsign:            callsign,
	}, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot dial broadcast targets")
	}
	defer tx.Close()

	reconciler := command.New(st, callsign, tx, logger)

	telem := telemetry.NewService(telemetry.ServiceConfig{
		Callsign:     callsign,
		Color:        config.GetString("color"),
		PollInterval: config.GetTelemetryConfig().PollInterval,
		VehiclesPath: *vehiclesPath,
	}, telemetry.NewClient(config.GetTelemetryConfig().URL), st, reg, logger)

	hub := web.NewHub(st, logger)
	server := web.NewServer(config.GetInt("httpPort"), web.ConfigEcho{
		Callsign: callsign,
		Color:    config.GetString("color"),
		Version:  Version,
	}, st, reconciler, hub, web.StatusSources{
		Receiver:    receiver.Stats,
		Transmitter: tx.Stats,
		QueueDepth:  reconciler.Pending,
	}, logger)

	mon := monitor.NewService(config.GetInfluxConfig(), callsign, monitor.Sources{
		Store:       st,
		Receiver:    receiver.Stats,
		Transmitter: tx.Stats,
		QueueDepth:  reconciler.Pending,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	run := func(task func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task(ctx)
		}()
	}

	run(receiver.Run)
	run(tx.Run)
	run(reconciler.Run)
	run(telem.Run)
	run(hub.Run)
	run(mon.Run)
	run(func(ctx context.Context) { sweep(ctx, st) })
	run(func(ctx context.Context) {
		if err := server.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("dashboard server failed")
			stop()
		}
	})

	logger.Info().Str("callsign", callsign).Msg("tacsync online")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	wg.Wait()
	logger.Info().Msg("bye")
}

func graylogAddress() string {
	if !config.GetBool("graylog.enabled") {
		return ""
	}
	return config.GetString("graylog.address")
}

// sweep expires silent peers on a fixed cadence.
func sweep(ctx context.Context, st *store.Store) {
	tick := time.NewTicker(sweepInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			st.Sweep(time.Now())
		}
	}
}
