package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
	"github.com/LerianStudio/lib-reliability/reliability/runtime"
)

var (
	// ErrInvalidHealthCheckInterval indicates that the health check interval must be positive.
	ErrInvalidHealthCheckInterval = errors.New("circuitbreaker: health check interval must be positive")
	// ErrInvalidHealthCheckTimeout indicates that the health check timeout must be positive.
	ErrInvalidHealthCheckTimeout = errors.New("circuitbreaker: health check timeout must be positive")
)

type healthChecker struct {
	manager        Manager
	services       map[string]HealthCheckFunc
	interval       time.Duration
	checkTimeout   time.Duration
	logger         log.Logger
	stopChan       chan struct{}
	immediateCheck chan string
	wg             sync.WaitGroup
	mu             sync.RWMutex
	startOnce      sync.Once
	stopOnce       sync.Once
}

// NewHealthChecker creates a health checker that probes every registered
// service whose breaker is not closed, and resets the breaker once the probe
// succeeds. interval is how often probes run; checkTimeout bounds each probe.
func NewHealthChecker(manager Manager, interval, checkTimeout time.Duration, logger log.Logger) (HealthChecker, error) {
	if nilcheck.Interface(manager) {
		return nil, ErrNilManager
	}

	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &healthChecker{
		manager:        manager,
		services:       make(map[string]HealthCheckFunc),
		interval:       interval,
		checkTimeout:   checkTimeout,
		logger:         logger,
		stopChan:       make(chan struct{}),
		immediateCheck: make(chan string, 10),
	}, nil
}

// Register adds a service to health check. A nil function is ignored.
func (hc *healthChecker) Register(serviceName string, healthCheckFn HealthCheckFunc) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" || healthCheckFn == nil {
		return
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.services[serviceName] = healthCheckFn
	hc.logger.Log(context.Background(), log.LevelInfo, "registered health check", log.String("breaker", serviceName))
}

// Start begins the health check loop. Calling it again is a no-op.
func (hc *healthChecker) Start() {
	hc.startOnce.Do(func() {
		hc.wg.Add(1)

		runtime.SafeGo(hc.logger, "circuitbreaker.health_check_loop", runtime.KeepRunning, func() {
			defer hc.wg.Done()

			hc.healthCheckLoop()
		})

		hc.logger.Log(context.Background(), log.LevelInfo, "health checker started", log.Duration("interval", hc.interval))
	})
}

// Stop stops the loop and waits for the running probe to return.
func (hc *healthChecker) Stop() {
	hc.stopOnce.Do(func() {
		close(hc.stopChan)
		hc.wg.Wait()
		hc.logger.Log(context.Background(), log.LevelInfo, "health checker stopped")
	})
}

func (hc *healthChecker) healthCheckLoop() {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.performHealthChecks()
		case serviceName := <-hc.immediateCheck:
			hc.checkServiceHealth(serviceName)
		case <-hc.stopChan:
			return
		}
	}
}

func (hc *healthChecker) performHealthChecks() {
	hc.mu.RLock()
	services := maps.Clone(hc.services)
	hc.mu.RUnlock()

	unhealthyCount := 0
	recoveredCount := 0

	for serviceName, healthCheckFn := range services {
		if hc.manager.IsHealthy(serviceName) {
			continue
		}

		unhealthyCount++

		if hc.probe(serviceName, healthCheckFn) {
			recoveredCount++
		}
	}

	if unhealthyCount > 0 {
		hc.logger.Log(context.Background(), log.LevelInfo, "health check round complete",
			log.Int("unhealthy", unhealthyCount),
			log.Int("recovered", recoveredCount))
	}
}

// GetHealthStatus returns the current breaker state of every registered service.
func (hc *healthChecker) GetHealthStatus() map[string]string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]string, len(hc.services))

	for serviceName := range hc.services {
		status[serviceName] = string(hc.manager.GetState(serviceName))
	}

	return status
}

// OnStateChange schedules an immediate probe when a breaker opens.
func (hc *healthChecker) OnStateChange(serviceName string, _ State, to State) {
	if to != StateOpen {
		return
	}

	select {
	case hc.immediateCheck <- serviceName:
	default:
		hc.logger.Log(context.Background(), log.LevelWarn, "immediate health check queue full, waiting for next interval",
			log.String("breaker", serviceName))
	}
}

func (hc *healthChecker) checkServiceHealth(serviceName string) {
	hc.mu.RLock()
	healthCheckFn, exists := hc.services[serviceName]
	hc.mu.RUnlock()

	if !exists || hc.manager.IsHealthy(serviceName) {
		return
	}

	hc.probe(serviceName, healthCheckFn)
}

func (hc *healthChecker) probe(serviceName string, healthCheckFn HealthCheckFunc) bool {
	ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
	defer cancel()

	err := runtime.CallWithRecovery(ctx, hc.logger, "circuitbreaker", "health_probe", func() error {
		return healthCheckFn(ctx)
	})
	if err != nil {
		hc.logger.Log(ctx, log.LevelWarn, "service still unhealthy",
			log.String("breaker", serviceName),
			log.Err(err),
			log.Duration("retry_in", hc.interval))

		return false
	}

	hc.logger.Log(ctx, log.LevelInfo, "service recovered, resetting circuit breaker", log.String("breaker", serviceName))
	hc.manager.Reset(serviceName)

	return true
}
