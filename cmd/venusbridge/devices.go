package main

import (
	"fmt"

	"github.com/nerrad567/venus-bridge/internal/bridges/venus"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/venus-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/venus-bridge/internal/marstek"
)

// newScanner builds the broadcast scanner from the discovery section.
func newScanner(cfg config.DiscoveryConfig, log *logging.Logger) *marstek.Scanner {
	scanner := marstek.NewScanner(marstek.ScannerConfig{
		Port:             cfg.Port,
		BroadcastAddress: cfg.BroadcastAddress,
		ResendInterval:   cfg.ResendInterval,
		ReceiveTimeout:   cfg.ReceiveTimeout,
	})
	scanner.SetLogger(log.With("component", "discovery"))
	return scanner
}

// newDeviceClient opens a session to one configured device.
func newDeviceClient(dc config.DeviceConfig, log *logging.Logger) (*marstek.Client, error) {
	session, err := marstek.NewSession(marstek.SessionConfig{
		Host:        dc.Host,
		Port:        dc.Port,
		Timeout:     dc.Timeout,
		MaxAttempts: dc.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dc.ID, err)
	}
	session.SetLogger(log.With("component", "transport", "device", dc.ID))

	return marstek.NewClient(session).WithPowerLimits(marstek.PowerLimits{
		Min: dc.MinPower,
		Max: dc.MaxPower,
	}), nil
}

// newCoordinator builds the coordinator for one configured device.
func newCoordinator(dc config.DeviceConfig, log *logging.Logger) (*venus.Coordinator, error) {
	client, err := newDeviceClient(dc, log)
	if err != nil {
		return nil, err
	}
	coord, err := venus.NewCoordinator(venus.CoordinatorConfig{
		DeviceID: dc.ID,
		Name:     dc.Name,
		Client:   client,
		Interval: dc.PollInterval,
		Logger:   log.With("device", dc.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dc.ID, err)
	}
	return coord, nil
}

// buildManager creates one coordinator per configured device. Polling is
// not started.
func buildManager(cfg *config.Config, log *logging.Logger) (*venus.Manager, error) {
	manager := venus.NewManager(newScanner(cfg.Discovery, log), cfg.Discovery.ScanWindow)

	for _, dc := range cfg.Devices {
		coord, err := newCoordinator(dc, log)
		if err != nil {
			return nil, err
		}
		if err := manager.Add(coord); err != nil {
			return nil, err
		}
	}
	return manager, nil
}
