package services

import (
	"math"
	"sync"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"

	"go.uber.org/zap"
)

const (
	prewarmConfidence = 0.7
	networkWindowSize = 50
)

type usageSlot struct {
	count        int
	meanDuration time.Duration
	lastUsed     time.Time
}

// predictivePolicy layers usage learning on top of the static table. It
// keeps a rolling histogram keyed by (hour of day, day of week) and a
// rolling network-success rate, and recommends pre-warming the connection
// when a press in the current slot is likely enough to pay off.
//
// Disconnect scheduling itself stays with the static baseline; prediction
// only ever moves the connect earlier, never delays a teardown.
type predictivePolicy struct {
	ports.PolicyEngine

	mu      sync.Mutex
	slots   [7][24]usageSlot
	samples []ports.NetworkSample
	logger  *zap.SugaredLogger
}

// NewPredictivePolicy wraps the static table policy with the learning
// variant. The returned engine also implements ports.PrewarmAdvisor.
func NewPredictivePolicy(table domain.PolicyTable, disconnect func(), metrics ports.Metrics, logger *zap.SugaredLogger) ports.PolicyEngine {
	return &predictivePolicy{
		PolicyEngine: NewStaticPolicy(table, disconnect, metrics, logger),
		logger:       logger,
	}
}

// RecordSession folds one finished session into the histogram.
func (p *predictivePolicy) RecordSession(start time.Time, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := &p.slots[int(start.Weekday())][start.Hour()]
	slot.count++
	// incremental mean
	slot.meanDuration += (duration - slot.meanDuration) / time.Duration(slot.count)
	slot.lastUsed = start
}

// RecordNetworkSample records one per-connection quality observation.
func (p *predictivePolicy) RecordNetworkSample(sample ports.NetworkSample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples = append(p.samples, sample)
	if len(p.samples) > networkWindowSize {
		p.samples = p.samples[len(p.samples)-networkWindowSize:]
	}
}

// ShouldPrewarm reports whether the confidence for the current time slot
// clears the pre-warm threshold.
func (p *predictivePolicy) ShouldPrewarm(now time.Time) bool {
	score := p.Confidence(now)
	p.logger.Debugw("prewarm confidence", "score", score)
	return score >= prewarmConfidence
}

// Confidence blends slot frequency, recency, and the rolling network
// success rate into [0,1].
func (p *predictivePolicy) Confidence(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := p.slots[int(now.Weekday())][now.Hour()]

	frequency := math.Min(1, float64(slot.count)/8.0)

	recency := 0.0
	if !slot.lastUsed.IsZero() {
		daysSince := now.Sub(slot.lastUsed).Hours() / 24
		recency = math.Exp(-daysSince / 14)
	}

	success := 1.0
	if len(p.samples) > 0 {
		ok := 0
		for _, s := range p.samples {
			if s.Success {
				ok++
			}
		}
		success = float64(ok) / float64(len(p.samples))
	}

	return 0.45*frequency + 0.25*recency + 0.30*success
}
