package lifecycle

import "sync"

// HealthWeights holds the coefficients of the composite health score that
// governs the Active→Degraded edge, generalised from the teacher's
// escalation.Weights/ComputeSeverity (S = w1*A + w2*Q + w3*I + w4*P).
type HealthWeights struct {
	ConnectionErrorRate float64
	QueueDepthFraction  float64
	TaskFailureRate     float64
}

// DefaultHealthWeights returns a balanced default weighting.
func DefaultHealthWeights() HealthWeights {
	return HealthWeights{ConnectionErrorRate: 0.4, QueueDepthFraction: 0.3, TaskFailureRate: 0.3}
}

// HealthInputs holds the three normalised [0,1] signals fed into the
// composite score.
type HealthInputs struct {
	ConnectionErrorRate float64
	QueueDepthFraction  float64
	TaskFailureRate     float64
}

// ComputeHealth computes H = w1*connErr + w2*queueDepth + w3*taskFail.
// Higher H means less healthy.
func ComputeHealth(in HealthInputs, w HealthWeights) float64 {
	return w.ConnectionErrorRate*in.ConnectionErrorRate +
		w.QueueDepthFraction*in.QueueDepthFraction +
		w.TaskFailureRate*in.TaskFailureRate
}

// HealthAccumulator is an EWMA smoother over the composite health score,
// generalised from escalation.Accumulator: P_{t+1} = α*P_t + (1-α)*H_t.
type HealthAccumulator struct {
	mu    sync.Mutex
	alpha float64
	value float64
}

// NewHealthAccumulator creates an accumulator with smoothing factor alpha
// in [0,1]. Panics if out of range, matching the teacher's
// construction-time precondition style.
func NewHealthAccumulator(alpha float64) *HealthAccumulator {
	if alpha < 0.0 || alpha > 1.0 {
		panic("lifecycle: alpha must be in [0.0, 1.0]")
	}
	return &HealthAccumulator{alpha: alpha}
}

// Update applies one EWMA step and returns the new smoothed value.
func (a *HealthAccumulator) Update(h float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = a.alpha*a.value + (1.0-a.alpha)*h
	return a.value
}

// Value returns the current smoothed health score without updating it.
func (a *HealthAccumulator) Value() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

// DegradationThresholds bounds the Active↔Degraded edge.
type DegradationThresholds struct {
	// Degrade is the smoothed health score at or above which Active→Degraded fires.
	Degrade float64
	// Recover is the smoothed health score at or below which Degraded→Active fires.
	// Must be strictly less than Degrade to avoid flapping.
	Recover float64
}

// DefaultDegradationThresholds returns conservative defaults with hysteresis.
func DefaultDegradationThresholds() DegradationThresholds {
	return DegradationThresholds{Degrade: 0.6, Recover: 0.3}
}
