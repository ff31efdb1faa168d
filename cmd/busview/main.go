package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/busview/internal/bus"
	"github.com/shaunagostinho/busview/internal/diag"
	"github.com/shaunagostinho/busview/internal/sched"
	"github.com/shaunagostinho/busview/internal/server"
	"github.com/shaunagostinho/busview/internal/telemetry"
	"github.com/shaunagostinho/busview/web"
)

func main() {
	configPath := flag.String("config", "/etc/busview/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against simulated devices")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	log.Info().Msg("busview starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Transport.Type = "sim"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Stringer("signal", sig).Msg("shutting down")
		cancel()
	}()

	var transport bus.Transport
	switch cfg.Transport.Type {
	case "fdcanusb":
		t, err := openWithRetry(ctx, cfg.Transport.Fdcanusb, 10)
		if err != nil {
			log.Fatal().Err(err).Msg("transport open failed")
		}
		transport = t
	default:
		sim := bus.NewSim()
		for _, addr := range cfg.Devices {
			sim.Attach(bus.NewDemoDevice(uint8(addr)))
		}
		transport = sim
	}
	defer transport.Close()

	scheduler := sched.New(transport, sched.Options{
		MaxSend:     cfg.Tuning.MaxSend,
		MaxReceive:  cfg.Tuning.MaxReceive,
		PollTimeout: time.Duration(cfg.Tuning.PollTimeoutMs) * time.Millisecond,
		IdleSleep:   time.Duration(cfg.Tuning.IdleSleepMs) * time.Millisecond,
		BackoffCap:  cfg.Tuning.BackoffCap,
	}, log.With().Str("component", "sched").Logger())

	srv := server.New(cfg, scheduler, web.FS, log.With().Str("component", "server").Logger())

	dec := telemetry.NewJSONDecoder()
	for _, addr := range cfg.Devices {
		a := uint8(addr)
		stream := diag.NewStream()
		scheduler.Add(a, stream)
		sess := diag.NewSession(stream, dec, diag.SessionOptions{
			HistorySize:       cfg.Telemetry.HistorySize,
			StartupMinPolls:   cfg.Tuning.StartupPolls,
			StartupMinFlushes: cfg.Tuning.StartupFlushes,
		}, srv.ConsoleSink(a), log.With().Int("device", addr).Logger())
		srv.AddSession(a, sess)

		go func(addr int) {
			if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Int("device", addr).Msg("session exited")
			}
		}(addr)
	}

	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("scheduler exited")
			cancel()
		}
	}()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server exited")
	}
}

// openWithRetry opens the serial adapter with exponential backoff. Starts at
// 1s, doubles each attempt up to 60s, retries up to maxAttempts then
// continues at max interval indefinitely.
func openWithRetry(ctx context.Context, cfg bus.FdcanusbConfig, maxAttempts int) (*bus.Fdcanusb, error) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t, err := bus.OpenFdcanusb(cfg, log.With().Str("component", "fdcanusb").Logger())
		if err == nil {
			log.Info().Int("attempt", attempt+1).Str("port", cfg.PortPath).Msg("transport connected")
			return t, nil
		}

		attempt++
		if attempt <= maxAttempts {
			log.Warn().Err(err).Int("attempt", attempt).Int("max", maxAttempts).
				Dur("retry_in", delay).Msg("transport open failed")
		} else {
			log.Warn().Err(err).Int("attempt", attempt).
				Dur("retry_in", delay).Msg("transport open failed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
