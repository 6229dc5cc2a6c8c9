package app

import (
	"fmt"
	"sync"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/util"
)

// Supervisor owns the current Runtime and replaces it on Restart with one
// built from a freshly loaded configuration.
type Supervisor struct {
	configPath string
	logger     util.Logger
	mu         sync.Mutex
	runtime    *Runtime
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
	}
}

func (s *Supervisor) Start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	return s.startWith(cfg)
}

// Restart reloads the configuration and swaps the runtime. An invalid
// configuration leaves the current runtime running. The old runtime is
// stopped before the new one starts so both never hold the same ports.
func (s *Supervisor) Restart() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return fmt.Errorf("reload %s: %w", s.configPath, err)
	}
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	s.logger.Info("restarting", "config", s.configPath)
	return s.startWith(cfg)
}

// Running reports whether a runtime is currently active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime != nil
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

func (s *Supervisor) startWith(cfg config.Config) error {
	runtime, err := NewRuntime(cfg, s.logger)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}
