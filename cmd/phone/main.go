// Package main provides the phone daemon entry point.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/dialbox/internal/app/dial"
	"github.com/osa030/dialbox/internal/app/hook"
	"github.com/osa030/dialbox/internal/app/phone"
	"github.com/osa030/dialbox/internal/app/ring"
	"github.com/osa030/dialbox/internal/app/sched"
	"github.com/osa030/dialbox/internal/infra/calllog"
	"github.com/osa030/dialbox/internal/infra/config"
	"github.com/osa030/dialbox/internal/infra/gpio"
	"github.com/osa030/dialbox/internal/infra/logger"
	"github.com/osa030/dialbox/internal/infra/sip"
)

var (
	app        = kingpin.New("dialbox-phone", "Rotary phone VoIP daemon")
	configPath = app.Flag("config", "Path to config file").Default("config/phone.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()
	mock       = app.Flag("mock", "Use simulated GPIO instead of real hardware").Bool()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	// Initialize logger
	loggerConfig := logger.Config{
		Output: "stdout",
		Level:  "info",
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Phone error: %v", err)
		os.Exit(1)
	}
}

// run executes the main daemon logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	// GPIO backend
	var chip gpio.Chip
	if *mock || cfg.Hardware.Mock {
		zlog.Info().Msg("Using simulated GPIO")
		chip = gpio.NewSim()
	} else {
		chip = gpio.NewCdev(cfg.Hardware.Chip)
	}
	defer chip.Close()

	scheduler := sched.New()
	defer scheduler.Stop()

	// Call history store
	store, err := calllog.NewBadgerStore(calllog.BadgerOptions{
		Dir:      cfg.CallLog.Dir,
		InMemory: cfg.CallLog.InMemory,
	})
	if err != nil {
		return fmt.Errorf("failed to open call log store: %w", err)
	}
	defer store.Close()
	tracker := calllog.NewTracker(store)

	// SIP session
	session, err := sip.NewSession(cfg.SIP.Backend, cfg.SIP.Settings)
	if err != nil {
		return fmt.Errorf("failed to create SIP session: %w", err)
	}

	// Hardware components
	hookMon := hook.NewMonitor(chip, scheduler, hook.Config{
		Pin:      cfg.Hardware.PinHook,
		Debounce: cfg.Timing.Debounce(),
	})
	decoder := dial.NewDecoder(chip, scheduler, dial.Config{
		Pin:          cfg.Hardware.PinDialPulse,
		PulseTimeout: cfg.Timing.PulseTimeout(),
	})
	ringer, err := ring.NewRinger(chip, scheduler, ring.RingerConfig{
		Pin:    cfg.Hardware.PinRinger,
		OnDur:  cfg.Timing.RingOn(),
		OffDur: cfg.Timing.RingOff(),
	})
	if err != nil {
		return fmt.Errorf("failed to set up ringer: %w", err)
	}

	tone, err := setupDialTone(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up dial tone: %w", err)
	}

	orch := phone.New(cfg, hookMon, decoder, ringer, tone, session, tracker, scheduler, phone.Config{
		InterDigitTimeout:  cfg.Timing.InterDigitTimeout(),
		CallAttemptTimeout: cfg.Timing.CallAttemptTimeout(),
		Account: phone.Account{
			URI:      cfg.SIP.AccountURI,
			Username: cfg.SIP.Username,
			Password: cfg.SIP.Password,
		},
	})

	if err := orch.Start(); err != nil {
		return fmt.Errorf("failed to start phone: %w", err)
	}
	defer orch.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zlog.Info().Msg("Received shutdown signal...")

	return nil
}

// setupDialTone resolves the dial tone file, synthesizing one when the
// config does not provide it.
func setupDialTone(cfg *config.Config) (*ring.DialTone, error) {
	file := cfg.Audio.DialToneFile
	if file == "" {
		file = filepath.Join(os.TempDir(), "dialbox-dialtone.wav")
		if err := ring.GenerateDialTone(file); err != nil {
			return nil, err
		}
		zlog.Debug().Msgf("Generated dial tone: %s", file)
	}
	return ring.NewDialTone(ring.DialToneConfig{
		File:   file,
		Player: cfg.Audio.Player,
	}), nil
}
