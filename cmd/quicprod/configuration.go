package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
	"github.com/Intelligent-Intern/quicpro-go/pkg/pipeline"
	"github.com/Intelligent-Intern/quicpro-go/pkg/policy"
	"github.com/Intelligent-Intern/quicpro-go/pkg/server"
	"github.com/Intelligent-Intern/quicpro-go/pkg/supervisor"
	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
	"github.com/Intelligent-Intern/quicpro-go/pkg/tlsman"
	"github.com/Intelligent-Intern/quicpro-go/pkg/validate"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core       coreConf
	Logging    logConf
	Listen     []listenConf
	TLS        tlsConf `toml:"tls"`
	Policy     policyConf
	Telemetry  telemetryConf
	Supervisor supervisorConf
	Admin      adminConf
	Expert     expertConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	Root            string
	IndexHints      []string `toml:"index-hints"`
	ReadyFile       string   `toml:"ready-file"`
	GracePeriod     string   `toml:"grace-period"`
	OverrideAllowed bool     `toml:"override-allowed"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// listenConf describes one bind endpoint. Protocol selects the
// transports: "tcp", "udp" or "both".
type listenConf struct {
	Endpoint string
	Protocol string
}

// tlsConf describes the TLS-configuration block.
type tlsConf struct {
	Certificate string
	Key         string
	TicketKey   string `toml:"ticket-key"`
	OCSPStaple  string `toml:"ocsp-staple"`
	MinVersion  string `toml:"min-version"`
	Watch       bool
}

// policyConf describes the Policy-configuration block. Every field has a
// built-in default, so an empty block is valid.
type policyConf struct {
	CORSOrigins         string  `toml:"cors-origins"`
	RequestsPerSecond   float64 `toml:"requests-per-second"`
	Burst               int
	LogRateLimited      bool     `toml:"log-rate-limited"`
	MaxHeaderListSize   int64    `toml:"max-header-list-size"`
	MaxBodySize         int64    `toml:"max-body-size"`
	RequestTimeout      string   `toml:"request-timeout"`
	Protocols           []string
	HealthPath          string `toml:"health-path"`
	CongestionAlgorithm string `toml:"congestion-algorithm"`
}

// telemetryConf describes the Telemetry-configuration block.
type telemetryConf struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64 `toml:"sample-rate"`
	Service    string
}

// supervisorConf describes the Supervisor-configuration block.
type supervisorConf struct {
	Workers       int
	RestartLimit  int    `toml:"restart-limit"`
	RestartWindow string `toml:"restart-window"`
	Affinity      string
	Niceness      int
}

// adminConf describes the Admin-configuration block.
type adminConf struct {
	Listen string
}

// expertConf carries knobs that are off in any normal deployment.
type expertConf struct {
	DisableEncryption  bool   `toml:"disable-encryption"`
	ReusePort          bool   `toml:"reuse-port"`
	EnableDatagrams    bool   `toml:"enable-datagrams"`
	TrustedProxyHeader string `toml:"trusted-proxy-header"`
	AltSvcPort         int    `toml:"alt-svc-port"`
}

// daemon is everything one worker runs: the server instance, the admin
// agent and the supporting managers.
type daemon struct {
	instance  *server.Instance
	admin     *supervisor.Admin
	tlsMan    *tlsman.Manager
	tlsOpts   tlsman.ContextOptions
	watcher   *tlsman.Watcher
	providers *telemetry.Providers
	grace     time.Duration
}

// setupLogging applies the logging block before anything else logs.
func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

func parseDuration(setting, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: expected a positive duration, got %q", setting, value)
	}
	return d, nil
}

// parsePolicy builds the startup snapshot: built-in defaults overlaid
// with the file's policy block.
func parsePolicy(conf policyConf) (policy.Snapshot, error) {
	snapshot := policy.Defaults()

	if conf.CORSOrigins != "" {
		origins, err := validate.CORSOrigins("policy.cors-origins", conf.CORSOrigins)
		if err != nil {
			return snapshot, err
		}
		snapshot.SetCORS(origins)
	}
	if conf.RequestsPerSecond != 0 {
		snapshot.RequestsPerSecond = conf.RequestsPerSecond
	}
	if conf.Burst != 0 {
		snapshot.Burst = conf.Burst
	}
	snapshot.LogRateLimited = conf.LogRateLimited
	if conf.MaxHeaderListSize != 0 {
		snapshot.MaxHeaderListSize = uint32(conf.MaxHeaderListSize)
	}
	if conf.MaxBodySize != 0 {
		snapshot.MaxBodySize = conf.MaxBodySize
	}
	if conf.RequestTimeout != "" {
		timeout, err := parseDuration("policy.request-timeout", conf.RequestTimeout, 0)
		if err != nil {
			return snapshot, err
		}
		snapshot.RequestTimeout = timeout
	}
	if len(conf.Protocols) > 0 {
		enabled := make(map[httpx.Protocol]bool)
		for _, proto := range conf.Protocols {
			name, err := validate.StringChoice("policy.protocols", proto, "http/1.1", "h2", "h3")
			if err != nil {
				return snapshot, err
			}
			enabled[httpx.Protocol(name)] = true
		}
		snapshot.EnabledProtocols = enabled
	}
	if conf.HealthPath != "" {
		snapshot.HealthPath = conf.HealthPath
	}
	if conf.CongestionAlgorithm != "" {
		algo, err := validate.StringChoice("policy.congestion-algorithm", conf.CongestionAlgorithm, "reno", "cubic")
		if err != nil {
			return snapshot, err
		}
		snapshot.CongestionAlgorithm = algo
	}

	return snapshot, nil
}

// parseTLS loads the credential set. Errors here are load failures, not
// configuration mistakes, and map to their own exit code.
func parseTLS(conf tlsConf) (*tlsman.Manager, tlsman.ContextOptions, error) {
	opts := tlsman.ContextOptions{
		TicketKeyFile: conf.TicketKey,
		OCSPFile:      conf.OCSPStaple,
	}
	switch conf.MinVersion {
	case "", "1.2":
		opts.MinVersion = tls.VersionTLS12
	case "1.3":
		opts.MinVersion = tls.VersionTLS13
	default:
		return nil, opts, fmt.Errorf("tls.min-version: expected 1.2 or 1.3, got %q", conf.MinVersion)
	}

	ctx, err := tlsman.NewContext(conf.Certificate, conf.Key, opts)
	if err != nil {
		return nil, opts, err
	}
	return tlsman.NewManager(ctx), opts, nil
}

// parseSupervisor builds the worker supervision config.
func parseSupervisor(conf supervisorConf) (supervisor.Config, error) {
	cfg := supervisor.Config{
		Workers:      conf.Workers,
		RestartLimit: conf.RestartLimit,
		Niceness:     conf.Niceness,
	}

	window, err := parseDuration("supervisor.restart-window", conf.RestartWindow, time.Minute)
	if err != nil {
		return cfg, err
	}
	cfg.RestartWindow = window

	if conf.Affinity != "" {
		ranges, err := validate.CPUAffinityMap("supervisor.affinity", conf.Affinity)
		if err != nil {
			return cfg, err
		}
		cfg.Affinity = ranges
	}
	return cfg, nil
}

// parseDaemon builds one worker's daemon from the TOML configuration.
func parseDaemon(conf tomlConfig) (*daemon, error) {
	if len(conf.Listen) == 0 {
		return nil, fmt.Errorf("no listen endpoints configured")
	}

	insecure := false
	if conf.Expert.DisableEncryption {
		// Refused unless the environment confirms a test setup.
		if os.Getenv("QUICPRO_INSECURE_OK") == "" {
			return nil, fmt.Errorf("expert.disable-encryption requires QUICPRO_INSECURE_OK in the environment")
		}
		insecure = true
		log.Warn("Encryption is disabled. This is a test-only mode")
	}

	snapshot, err := parsePolicy(conf.Policy)
	if err != nil {
		return nil, err
	}
	policies, err := policy.NewStore(snapshot, conf.Core.OverrideAllowed)
	if err != nil {
		return nil, err
	}

	var manager *tlsman.Manager
	var tlsOpts tlsman.ContextOptions
	var watcher *tlsman.Watcher
	if !insecure {
		manager, tlsOpts, err = parseTLS(conf.TLS)
		if err != nil {
			return nil, err
		}
		if conf.TLS.Watch {
			watcher, err = tlsman.NewWatcher(manager, conf.TLS.Certificate, conf.TLS.Key, tlsOpts)
			if err != nil {
				return nil, err
			}
		}
	} else {
		manager = &tlsman.Manager{}
	}

	providers, err := telemetry.Init(telemetry.Config{
		Enabled:    conf.Telemetry.Enabled,
		Endpoint:   conf.Telemetry.Endpoint,
		SampleRate: conf.Telemetry.SampleRate,
		Service:    conf.Telemetry.Service,
	})
	if err != nil {
		return nil, err
	}

	grace, err := parseDuration("core.grace-period", conf.Core.GracePeriod, 30*time.Second)
	if err != nil {
		return nil, err
	}

	endpoints := make([]server.Endpoint, 0, len(conf.Listen))
	for _, listen := range conf.Listen {
		endpoints = append(endpoints, server.Endpoint{
			Addr:    listen.Endpoint,
			Network: listen.Protocol,
		})
	}

	root := conf.Core.Root
	if root == "" {
		return nil, fmt.Errorf("core.root is empty")
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("core.root: expected a directory, got %q", root)
	}

	instance, err := server.New(server.Options{
		Endpoints: endpoints,
		TLS:       manager,
		Policies:  policies,
		Handler:   newFileHandler(root, conf.Core.IndexHints),
		Pipeline: pipeline.Options{
			TrustedProxyHeader: conf.Expert.TrustedProxyHeader,
			TelemetryEnabled:   conf.Telemetry.Enabled,
		},
		EnableDatagrams: conf.Expert.EnableDatagrams,
		ReusePort:       conf.Expert.ReusePort,
		ReadyFile:       conf.Core.ReadyFile,
		GracePeriod:     grace,
		AltSvcPort:      conf.Expert.AltSvcPort,
		Insecure:        insecure,
	})
	if err != nil {
		return nil, err
	}

	d := &daemon{
		instance:  instance,
		tlsMan:    manager,
		tlsOpts:   tlsOpts,
		watcher:   watcher,
		providers: providers,
		grace:     grace,
	}
	if conf.Admin.Listen != "" {
		d.admin = &supervisor.Admin{
			Addr:        conf.Admin.Listen,
			Instance:    instance,
			TLS:         manager,
			TLSCertFile: conf.TLS.Certificate,
			TLSKeyFile:  conf.TLS.Key,
			TLSOptions:  tlsOpts,
			Policies:    policies,
		}
	}
	return d, nil
}

// loadConfig reads and decodes the configuration file.
func loadConfig(filename string) (conf tomlConfig, err error) {
	_, err = toml.DecodeFile(filename, &conf)
	return
}
