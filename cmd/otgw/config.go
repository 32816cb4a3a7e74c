package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// appConfig is the fully resolved process configuration: flags, then
// OTGW_* environment overrides for anything not explicitly set on the
// command line, mirroring the teacher's config.go precedence rule.
type appConfig struct {
	backend string // gpio|serial|sim

	gpioThermoRX string
	gpioThermoTX string
	gpioBoilerRX string
	gpioBoilerTX string

	serialThermoDev string
	serialBoilerDev string
	serialBaud      int
	serialReadTO    time.Duration

	logFormat string
	logLevel  string

	metricsAddr     string
	logMetricsEvery time.Duration

	interceptEnabled   bool
	interceptEveryN    int
	fallbackAfterMS    int
	probeEvery         int
	coordinatorTick    time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}

	backend := flag.String("backend", "gpio", "Bus backend: gpio|serial|sim")

	gpioThermoRX := flag.String("gpio-thermostat-rx", "GPIO17", "Thermostat-facing RX GPIO pin name")
	gpioThermoTX := flag.String("gpio-thermostat-tx", "GPIO18", "Thermostat-facing TX GPIO pin name")
	gpioBoilerRX := flag.String("gpio-boiler-rx", "GPIO22", "Boiler-facing RX GPIO pin name")
	gpioBoilerTX := flag.String("gpio-boiler-tx", "GPIO23", "Boiler-facing TX GPIO pin name")

	serialThermoDev := flag.String("serial-thermostat-dev", "/dev/ttyUSB0", "Thermostat-facing bit-bang bridge device (backend=serial)")
	serialBoilerDev := flag.String("serial-boiler-dev", "/dev/ttyUSB1", "Boiler-facing bit-bang bridge device (backend=serial)")
	serialBaud := flag.Int("serial-baud", 9600, "Bit-bang bridge baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Bit-bang bridge serial read timeout")

	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")

	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log diagnostics counters")

	interceptEnabled := flag.Bool("intercept-enabled", false, "Enable STATUS/TSET demand override on startup")
	interceptEveryN := flag.Int("intercept-every-n", 1, "Apply an override every Nth matching thermostat frame")
	fallbackAfterMS := flag.Int("fallback-after-ms", 30000, "Revert to passthrough if external demand goes stale this long")
	probeEvery := flag.Int("probe-every", 0, "Idle coordinator ticks between diagnostics probes (0 disables)")
	coordinatorTick := flag.Duration("coordinator-tick", 5*time.Millisecond, "Coordinator poll interval")

	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.backend = *backend
	cfg.gpioThermoRX = *gpioThermoRX
	cfg.gpioThermoTX = *gpioThermoTX
	cfg.gpioBoilerRX = *gpioBoilerRX
	cfg.gpioBoilerTX = *gpioBoilerTX
	cfg.serialThermoDev = *serialThermoDev
	cfg.serialBoilerDev = *serialBoilerDev
	cfg.serialBaud = *serialBaud
	cfg.serialReadTO = *serialReadTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.interceptEnabled = *interceptEnabled
	cfg.interceptEveryN = *interceptEveryN
	cfg.fallbackAfterMS = *fallbackAfterMS
	cfg.probeEvery = *probeEvery
	cfg.coordinatorTick = *coordinatorTick

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs semantic validation only; it never touches hardware.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.backend {
	case "gpio", "serial", "sim":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.serialBaud <= 0 {
		return fmt.Errorf("serial-baud must be > 0 (got %d)", c.serialBaud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.interceptEveryN <= 0 {
		return fmt.Errorf("intercept-every-n must be > 0 (got %d)", c.interceptEveryN)
	}
	if c.fallbackAfterMS < 0 {
		return fmt.Errorf("fallback-after-ms must be >= 0")
	}
	if c.probeEvery < 0 {
		return fmt.Errorf("probe-every must be >= 0")
	}
	if c.coordinatorTick <= 0 {
		return fmt.Errorf("coordinator-tick must be > 0")
	}
	return nil
}

// applyEnvOverrides maps OTGW_* environment variables onto cfg unless the
// corresponding flag was explicitly set (flag wins), mirroring the
// teacher's CAN_SERVER_* precedence rule.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["backend"]; !ok {
		if v, ok := get("OTGW_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["gpio-thermostat-rx"]; !ok {
		if v, ok := get("OTGW_GPIO_THERMOSTAT_RX"); ok && v != "" {
			c.gpioThermoRX = v
		}
	}
	if _, ok := set["gpio-thermostat-tx"]; !ok {
		if v, ok := get("OTGW_GPIO_THERMOSTAT_TX"); ok && v != "" {
			c.gpioThermoTX = v
		}
	}
	if _, ok := set["gpio-boiler-rx"]; !ok {
		if v, ok := get("OTGW_GPIO_BOILER_RX"); ok && v != "" {
			c.gpioBoilerRX = v
		}
	}
	if _, ok := set["gpio-boiler-tx"]; !ok {
		if v, ok := get("OTGW_GPIO_BOILER_TX"); ok && v != "" {
			c.gpioBoilerTX = v
		}
	}
	if _, ok := set["serial-thermostat-dev"]; !ok {
		if v, ok := get("OTGW_SERIAL_THERMOSTAT_DEV"); ok && v != "" {
			c.serialThermoDev = v
		}
	}
	if _, ok := set["serial-boiler-dev"]; !ok {
		if v, ok := get("OTGW_SERIAL_BOILER_DEV"); ok && v != "" {
			c.serialBoilerDev = v
		}
	}
	if _, ok := set["serial-baud"]; !ok {
		if v, ok := get("OTGW_SERIAL_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.serialBaud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OTGW_SERIAL_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("OTGW_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("OTGW_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("OTGW_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["intercept-enabled"]; !ok {
		if v, ok := get("OTGW_INTERCEPT_ENABLED"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.interceptEnabled = true
			case "0", "false", "no", "off":
				c.interceptEnabled = false
			}
		}
	}
	if _, ok := set["intercept-every-n"]; !ok {
		if v, ok := get("OTGW_INTERCEPT_EVERY_N"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.interceptEveryN = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OTGW_INTERCEPT_EVERY_N: %w", err)
			}
		}
	}
	if _, ok := set["fallback-after-ms"]; !ok {
		if v, ok := get("OTGW_FALLBACK_AFTER_MS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.fallbackAfterMS = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OTGW_FALLBACK_AFTER_MS: %w", err)
			}
		}
	}
	if _, ok := set["probe-every"]; !ok {
		if v, ok := get("OTGW_PROBE_EVERY"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.probeEvery = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OTGW_PROBE_EVERY: %w", err)
			}
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("OTGW_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid OTGW_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
