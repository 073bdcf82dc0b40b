package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/vibrationmon/internal/config"
	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/iothub"
	"codeberg.org/mutker/vibrationmon/internal/journal"
	"codeberg.org/mutker/vibrationmon/internal/logger"
	"codeberg.org/mutker/vibrationmon/internal/metrics"
	"codeberg.org/mutker/vibrationmon/internal/monitor"
	"codeberg.org/mutker/vibrationmon/internal/pid"
	"codeberg.org/mutker/vibrationmon/internal/sensor"
)

func main() {
	fmt.Println("Vibration monitoring starting up!")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Msg("Config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, cfg); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.ErrorWithCode(appErr).Msg("Vibration monitoring failed")
		} else {
			logger.Error().Err(err).Msg("Vibration monitoring failed")
		}
		cancel()
		os.Exit(1)
	}

	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	cs, err := iothub.ReadConnectionString(cfg.KeyFile)
	if err != nil {
		return err
	}

	sendTimeout := time.Duration(cfg.SendTimeout) * time.Second
	client := iothub.New(cs,
		iothub.WithTimeout(sendTimeout),
		iothub.WithLogger(logger.New("iothub")),
	)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	logger.Info().
		Str("host", cs.HostName).
		Str("device", cs.DeviceID).
		Msg("Connected to IoT Hub")

	j, err := journal.NewService(journal.Config{
		DBPath:  cfg.JournalDB,
		Enabled: cfg.Journal,
	}, logger.New("journal"))
	if err != nil {
		return err
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close journal")
		}
	}()

	var met *metrics.Metrics
	if cfg.MetricsListen != "" {
		met = metrics.New()
		go func() {
			if err := met.Serve(ctx, cfg.MetricsListen, logger.New("metrics")); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	mon := monitor.New(client, newOpener(cfg),
		monitor.WithInterval(time.Duration(cfg.Interval)*time.Second),
		monitor.WithSendTimeout(sendTimeout),
		monitor.WithLogger(logger.New("monitor")),
		monitor.WithMetrics(met),
		monitor.WithJournal(j),
	)
	defer func() {
		if err := mon.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close sensor")
		}
	}()

	if err := mon.Initialize(ctx); err != nil {
		return err
	}

	return mon.Run(ctx)
}

func newOpener(cfg *config.Config) sensor.Opener {
	if cfg.Sensor == config.SensorSimulated {
		logger.Warn().Msg("Using simulated sensor")
		return sensor.SimulatedOpener()
	}

	return &sensor.SPIOpener{Port: cfg.SPIPort}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
