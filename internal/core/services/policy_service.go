package services

import (
	"sync"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"

	"go.uber.org/zap"
)

// staticPolicy is the table-driven Connection Policy Engine: each driver
// status maps to a post-release grace period. The disconnect callback
// given at construction performs the actual channel leave.
type staticPolicy struct {
	mu           sync.Mutex
	table        domain.PolicyTable
	status       domain.DriverStatus
	disconnect   func()
	timer        *time.Timer
	pendingDelay time.Duration
	stopped      bool
	metrics      ports.Metrics
	logger       *zap.SugaredLogger
}

// NewStaticPolicy creates the table-lookup policy engine. disconnect is
// invoked (possibly from a timer goroutine) when the engine decides the
// channel should be left.
func NewStaticPolicy(table domain.PolicyTable, disconnect func(), metrics ports.Metrics, logger *zap.SugaredLogger) ports.PolicyEngine {
	if table == nil {
		table = domain.DefaultPolicyTable()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &staticPolicy{
		table:      table,
		status:     domain.StatusIdle,
		disconnect: disconnect,
		metrics:    metrics,
		logger:     logger,
	}
}

func (p *staticPolicy) OnPressed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
}

func (p *staticPolicy) OnReleased() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}

	rule := p.table.Resolve(p.status)
	if rule.MaintainConnection {
		return
	}

	p.cancelLocked()
	if rule.AutoDisconnectDelay <= 0 {
		p.logger.Debugw("policy: immediate disconnect", "status", p.status)
		p.metrics.PolicyDisconnect(string(p.status), 0)
		go p.disconnect()
		return
	}

	p.logger.Debugw("policy: disconnect scheduled",
		"status", p.status,
		"delay", rule.AutoDisconnectDelay,
	)
	p.pendingDelay = rule.AutoDisconnectDelay
	p.timer = time.AfterFunc(rule.AutoDisconnectDelay, p.fire)
}

func (p *staticPolicy) OnStatusChanged(status domain.DriverStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}

	p.status = status
	p.cancelLocked()

	// PTT while a passenger is on board is discouraged: tear down an open
	// connection immediately, even mid-grace-period.
	if p.table.Resolve(status).AutoDisconnectDelay == 0 {
		p.logger.Debugw("policy: forced teardown on status", "status", status)
		p.metrics.PolicyDisconnect(string(status), 0)
		go p.disconnect()
	}
}

func (p *staticPolicy) Status() domain.DriverStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *staticPolicy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.cancelLocked()
}

func (p *staticPolicy) fire() {
	p.mu.Lock()
	if p.stopped || p.timer == nil {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	status, delay := p.status, p.pendingDelay
	p.mu.Unlock()

	p.metrics.PolicyDisconnect(string(status), delay)
	p.disconnect()
}

func (p *staticPolicy) cancelLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
