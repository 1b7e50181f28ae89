package main

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/aledbf/vzbox/internal/config"
	"github.com/aledbf/vzbox/internal/host/vm"
	"github.com/aledbf/vzbox/internal/host/vm/simulator"
	"github.com/aledbf/vzbox/internal/host/vm/vz"
)

func newEngine(cfg *config.Config) (vm.Engine, error) {
	switch cfg.Engine {
	case config.EngineVZ:
		return vz.New(cfg.Paths.StateDir)
	case config.EngineSimulator:
		return simulator.New(), nil
	default:
		return nil, fmt.Errorf("unknown engine %q: %w", cfg.Engine, errdefs.ErrInvalidArgument)
	}
}
