package app

import (
	"fmt"
	"log/slog"

	"github.com/skobkin/acceltop-web/internal/accel"
	"github.com/skobkin/acceltop-web/internal/config"
	"github.com/skobkin/acceltop-web/internal/nvidia"
	"github.com/skobkin/acceltop-web/internal/tpu"
)

// NewRegistry builds the backends enabled in cfg, in the fixed order nvidia,
// tpu. onFatal receives unrecoverable backend failures and may be nil.
func NewRegistry(cfg config.Config, logger *slog.Logger, onFatal func(error)) (*accel.Registry, error) {
	registry := accel.NewRegistry()

	if cfg.BackendEnabled(config.BackendNVIDIA) {
		registry.Register(nvidia.NewBackend(nvidia.DefaultLoader(cfg.NVML.Libraries), logger))
	}

	if cfg.BackendEnabled(config.BackendTPU) {
		protocol, err := tpu.ParseProtocol(cfg.TPU.Protocol)
		if err != nil {
			return nil, fmt.Errorf("tpu backend: %w", err)
		}
		registry.Register(tpu.NewBackend(tpu.Config{
			DevicePattern: cfg.TPU.DeviceGlob,
			SysfsRoot:     cfg.SysfsRoot,
			Poller: tpu.PollerConfig{
				Python:         cfg.TPU.Python,
				Interval:       cfg.TPU.PollInterval,
				SleepSlice:     cfg.TPU.SleepSlice,
				CommandTimeout: cfg.TPU.CommandTimeout,
				Protocol:       protocol,
				FullReset:      cfg.TPU.FullReset,
				OnFatal:        onFatal,
			},
		}, logger))
	}

	return registry, nil
}
