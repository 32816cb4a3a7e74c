package main

import (
	"fmt"
	"log/slog"

	"periph.io/x/host/v3"

	"github.com/kstaniek/opentherm-gateway/internal/busport"
)

// buses holds the two bus ports (thermostat-facing, boiler-facing) and a
// cleanup function that releases whatever driver backs them.
type buses struct {
	thermostat *busport.Port
	boiler     *busport.Port
	close      func()
}

// initBuses selects a bus backend per cfg.backend and wires both ports,
// mirroring the teacher's initBackend CAN-backend-selection pattern
// (cmd/can-server/backend.go) generalized to two ports instead of one.
func initBuses(cfg *appConfig, l *slog.Logger) (*buses, error) {
	l.Info("bus_backend", "backend", cfg.backend)
	switch cfg.backend {
	case "gpio":
		return initGPIOBuses(cfg)
	case "serial":
		return initSerialBuses(cfg)
	case "sim":
		return initSimBuses(cfg)
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.backend)
	}
}

func initGPIOBuses(cfg *appConfig) (*buses, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host drivers: %w", err)
	}
	thermoDrv, err := busport.OpenGPIO("thermostat", busport.GPIOPins{
		RXName: cfg.gpioThermoRX,
		TXName: cfg.gpioThermoTX,
	}, 256)
	if err != nil {
		return nil, fmt.Errorf("open thermostat gpio: %w", err)
	}
	boilerDrv, err := busport.OpenGPIO("boiler", busport.GPIOPins{
		RXName: cfg.gpioBoilerRX,
		TXName: cfg.gpioBoilerTX,
	}, 256)
	if err != nil {
		_ = thermoDrv.Close()
		return nil, fmt.Errorf("open boiler gpio: %w", err)
	}
	thermo := busport.New("thermostat", busport.RoleSlave, thermoDrv)
	boiler := busport.New("boiler", busport.RoleMaster, boilerDrv)
	return &buses{
		thermostat: thermo,
		boiler:     boiler,
		close:      func() { _ = thermo.Close(); _ = boiler.Close() },
	}, nil
}

func initSerialBuses(cfg *appConfig) (*buses, error) {
	thermoDrv, err := busport.OpenSerialBang("thermostat", cfg.serialThermoDev, cfg.serialBaud, cfg.serialReadTO, 256)
	if err != nil {
		return nil, fmt.Errorf("open thermostat bit-bang bridge: %w", err)
	}
	boilerDrv, err := busport.OpenSerialBang("boiler", cfg.serialBoilerDev, cfg.serialBaud, cfg.serialReadTO, 256)
	if err != nil {
		_ = thermoDrv.Close()
		return nil, fmt.Errorf("open boiler bit-bang bridge: %w", err)
	}
	thermo := busport.New("thermostat", busport.RoleSlave, thermoDrv)
	boiler := busport.New("boiler", busport.RoleMaster, boilerDrv)
	return &buses{
		thermostat: thermo,
		boiler:     boiler,
		close:      func() { _ = thermo.Close(); _ = boiler.Close() },
	}, nil
}

// initSimBuses wires two loopback-free, edge-less drivers useful for
// smoke-testing process wiring without any physical bus attached; every
// receive_frame on either port times out until something pushes edges.
func initSimBuses(cfg *appConfig) (*buses, error) {
	thermoDrv := busport.NewSimDriver()
	boilerDrv := busport.NewSimDriver()
	thermo := busport.New("thermostat", busport.RoleSlave, thermoDrv)
	boiler := busport.New("boiler", busport.RoleMaster, boilerDrv)
	return &buses{
		thermostat: thermo,
		boiler:     boiler,
		close:      func() { _ = thermo.Close(); _ = boiler.Close() },
	}, nil
}
