package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Intelligent-Intern/quicpro-go/pkg/server"
	"github.com/Intelligent-Intern/quicpro-go/pkg/supervisor"
	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
	"github.com/Intelligent-Intern/quicpro-go/pkg/tlsman"
)

// Exit codes.
const (
	exitOK            = 0
	exitConfig        = 1
	exitBind          = 2
	exitTLS           = 3
	exitUnrecoverable = 4
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := loadConfig(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Error("Failed to parse config")
		os.Exit(exitConfig)
	}

	setupLogging(conf.Logging)

	// The parent process supervises; workers carry the index env var.
	if _, isWorker := os.LookupEnv(supervisor.WorkerEnv); !isWorker && conf.Supervisor.Workers > 1 {
		os.Exit(runSupervisor(conf))
	}
	os.Exit(runWorker(conf))
}

// runSupervisor spawns this binary once per worker and restarts crashed
// ones within the budget.
func runSupervisor(conf tomlConfig) int {
	cfg, err := parseSupervisor(conf.Supervisor)
	if err != nil {
		log.WithError(err).Error("Invalid supervisor configuration")
		return exitConfig
	}

	binary, err := os.Executable()
	if err != nil {
		log.WithError(err).Error("Cannot determine own binary path")
		return exitUnrecoverable
	}

	sup := supervisor.New(binary, []string{os.Args[1]}, cfg)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.WithField("signal", sig).Info("Stopping workers")
		sup.Stop()
	}()

	if err := sup.Run(); err != nil {
		if errors.Is(err, supervisor.ErrCrashLoop) {
			log.Error("Workers are crash looping")
			return exitUnrecoverable
		}
		log.WithError(err).Error("Supervision failed")
		return exitUnrecoverable
	}
	return exitOK
}

// runWorker builds and serves one instance until a shutdown signal.
func runWorker(conf tomlConfig) int {
	d, err := parseDaemon(conf)
	if err != nil {
		var loadErr *tlsman.LoadError
		if errors.As(err, &loadErr) {
			log.WithError(err).Error("Loading TLS credentials failed")
			return exitTLS
		}
		log.WithError(err).Error("Invalid configuration")
		return exitConfig
	}

	if err := d.instance.Start(); err != nil {
		if errors.Is(err, server.ErrBindFailed) {
			log.WithError(err).Error("Binding endpoints failed")
			return exitBind
		}
		log.WithError(err).Error("Starting the instance failed")
		return exitUnrecoverable
	}

	if d.admin != nil {
		go func() {
			if err := d.admin.ListenAndServe(); err != nil {
				log.WithError(err).Error("Admin agent failed")
			}
		}()
	}

	code := waitSignals(d, conf)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.grace+5*time.Second)
	defer cancel()

	if err := d.instance.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Shutdown finished with errors")
	}
	if d.admin != nil {
		_ = d.admin.Shutdown(shutdownCtx)
	}
	if d.watcher != nil {
		d.watcher.Close()
	}
	if err := d.providers.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Flushing telemetry failed")
	}

	if wErr := d.instance.Wait(); wErr != nil {
		log.WithError(wErr).Warn("A serve loop ended with an error")
	}
	return code
}

// waitSignals blocks until a shutdown signal arrives. SIGHUP triggers a
// TLS reload in place and keeps waiting.
func waitSignals(d *daemon, conf tomlConfig) int {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			log.Info("Reloading TLS credentials on SIGHUP")
			if err := d.tlsMan.Reload(conf.TLS.Certificate, conf.TLS.Key, d.tlsOpts); err != nil {
				log.WithError(err).Error("TLS reload failed, keeping the previous credentials")
				telemetry.Events().Publish(telemetry.EventTLSRejected, map[string]string{"error": err.Error()})
				continue
			}
			telemetry.TLSRotationsTotal.Inc()
			telemetry.Events().Publish(telemetry.EventTLSRotated, nil)

		default:
			log.WithField("signal", sig).Info("Shutting down..")
			return exitOK
		}
	}
	return exitOK
}
