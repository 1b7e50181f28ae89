//go:build !darwin

package main

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/aledbf/vzbox/internal/config"
	"github.com/aledbf/vzbox/internal/host/vm"
	"github.com/aledbf/vzbox/internal/host/vm/simulator"
)

func newEngine(cfg *config.Config) (vm.Engine, error) {
	switch cfg.Engine {
	case config.EngineSimulator:
		return simulator.New(), nil
	case config.EngineVZ:
		_, err := vm.Supported()
		return nil, fmt.Errorf("engine %q needs macOS, set engine to %q: %w", cfg.Engine, config.EngineSimulator, err)
	default:
		return nil, fmt.Errorf("unknown engine %q: %w", cfg.Engine, errdefs.ErrInvalidArgument)
	}
}
