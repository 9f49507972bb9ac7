// Package kalman implements the two-state, continuous-angle Kalman
// filter that fuses IMU-derived angle and angular velocity measurements
// into a crank-angle estimate tolerant of unbounded rotation. Only
// 2x2/2x1 shapes ever appear, so the matrix arithmetic is open-coded
// rather than pulled in from a general linear-algebra library.
package kalman

import (
	"math"
	"sync"
)

// State is the two-state estimate: crank angle (radians, normalized to
// (-pi, pi]) and angular velocity (rad/s).
type State struct {
	Angle    float64
	Velocity float64
}

// Covariance is the 2x2 state covariance matrix, stored as four
// scalars.
type Covariance struct {
	P00, P01, P10, P11 float64
}

// Config holds the filter's tunable environment and measurement
// covariances, sourced from the configuration snapshot.
type Config struct {
	// Q is the environment (process) covariance, diagonal entries
	// Q00 (angle) and Q11 (velocity); off-diagonal terms are permitted
	// but default to zero.
	Q Covariance
	// R is the measurement covariance, same shape as Q.
	R Covariance
}

// Filter is the thread-safe two-state Kalman filter. Exactly one task
// may call Update; any number of tasks may call Predict concurrently. A
// single critical section guards every access to the shared (state,
// covariance, lastTimestamp) triple.
type Filter struct {
	mu    sync.Mutex
	x     State
	p     Covariance
	cfg   Config
	tLast uint32 // microseconds, last update timestamp
	ready bool   // true once at least one update has set tLast
}

// New creates a Filter with a high-uncertainty initial covariance so
// that early measurements dominate.
func New(cfg Config) *Filter {
	return &Filter{
		x:   State{Angle: 0, Velocity: 0},
		p:   Covariance{P00: 1e6, P01: 0, P10: 0, P11: 1e6},
		cfg: cfg,
	}
}

// SetConfig atomically replaces the environment/measurement covariances
// used by subsequent Update/Predict calls, without disturbing the
// current state estimate. The IMU task calls this at loop head so a
// configuration update reaches the filter on the next sample.
func (f *Filter) SetConfig(cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

// deltaSeconds computes (now - last) in seconds using unsigned 32-bit
// wraparound arithmetic, so a timestamp wrap at 2^32us never produces a
// negative delta.
func deltaSeconds(now, last uint32) float64 {
	return float64(now-last) / 1e6
}

// NormalizeAngle repeatedly adds/subtracts 2*pi until the result lies in
// (-pi, pi].
func NormalizeAngle(a float64) float64 {
	const twoPi = 2 * math.Pi
	for a > math.Pi {
		a -= twoPi
	}
	for a <= -math.Pi {
		a += twoPi
	}
	return a
}

// ShortestArc returns the signed shortest-arc difference a-b for two
// angles, normalized so the result lies in (-pi, pi].
func ShortestArc(a, b float64) float64 {
	const twoPi = 2 * math.Pi
	d := math.Mod(a-b, twoPi)
	if d < 0 {
		d += twoPi
	}
	if d > math.Pi {
		d -= twoPi
	}
	return d
}

// predictFrom advances x/p by dt using the constant-velocity transition
// F(dt) = [[1, dt], [0, 1]], returning the predicted state and
// covariance without mutating the receiver's fields.
func predictFrom(x State, p Covariance, cfg Config, dt float64) (State, Covariance) {
	nx := State{
		Angle:    NormalizeAngle(x.Angle + dt*x.Velocity),
		Velocity: x.Velocity,
	}

	// P' = F P F^T + Q, F = [[1, dt],[0,1]]
	// F P = [[P00+dt*P10, P01+dt*P11], [P10, P11]]
	fp00 := p.P00 + dt*p.P10
	fp01 := p.P01 + dt*p.P11
	fp10 := p.P10
	fp11 := p.P11
	// (F P) F^T = [[fp00+dt*fp01, fp01],[fp10+dt*fp11, fp11]]
	np := Covariance{
		P00: fp00 + dt*fp01 + cfg.Q.P00,
		P01: fp01 + cfg.Q.P01,
		P10: fp10 + dt*fp11 + cfg.Q.P10,
		P11: fp11 + cfg.Q.P11,
	}
	return nx, np
}

// Update incorporates a new measurement z = (angleMeas, velocityMeas)
// captured at tNowUs (microseconds since boot), advancing the filter
// and atomically publishing the new (state, covariance, timestamp).
// Update is total on finite input: a NaN/Inf component of z is clamped
// to the current predicted value rather than propagated, so the filter
// never emits NaN.
func (f *Filter) Update(angleMeas, velocityMeas float64, tNowUs uint32) State {
	f.mu.Lock()
	defer f.mu.Unlock()

	dt := 0.0
	if f.ready {
		dt = deltaSeconds(tNowUs, f.tLast)
	}
	f.tLast = tNowUs
	f.ready = true

	px, pp := predictFrom(f.x, f.p, f.cfg, dt)

	if math.IsNaN(angleMeas) || math.IsInf(angleMeas, 0) {
		angleMeas = px.Angle
	}
	if math.IsNaN(velocityMeas) || math.IsInf(velocityMeas, 0) {
		velocityMeas = px.Velocity
	}

	// Innovation d = z (-) x, shortest-arc on the angle component.
	dAngle := ShortestArc(angleMeas, px.Angle)
	dVel := velocityMeas - px.Velocity

	// Kalman gain K = P (P+R)^-1, 2x2 closed-form inverse.
	s00 := pp.P00 + f.cfg.R.P00
	s01 := pp.P01 + f.cfg.R.P01
	s10 := pp.P10 + f.cfg.R.P10
	s11 := pp.P11 + f.cfg.R.P11
	det := s00*s11 - s01*s10
	if det == 0 {
		det = 1e-12
	}
	// S^-1 = 1/det * [[s11, -s01], [-s10, s00]]
	inv00 := s11 / det
	inv01 := -s01 / det
	inv10 := -s10 / det
	inv11 := s00 / det

	k00 := pp.P00*inv00 + pp.P01*inv10
	k01 := pp.P00*inv01 + pp.P01*inv11
	k10 := pp.P10*inv00 + pp.P11*inv10
	k11 := pp.P10*inv01 + pp.P11*inv11

	nx := State{
		Angle:    NormalizeAngle(px.Angle + k00*dAngle + k01*dVel),
		Velocity: px.Velocity + k10*dAngle + k11*dVel,
	}

	// P = P - K P
	np := Covariance{
		P00: pp.P00 - (k00*pp.P00 + k01*pp.P10),
		P01: pp.P01 - (k00*pp.P01 + k01*pp.P11),
		P10: pp.P10 - (k10*pp.P00 + k11*pp.P10),
		P11: pp.P11 - (k10*pp.P01 + k11*pp.P11),
	}

	f.x = nx
	f.p = np
	return nx
}

// Predict returns the filter's state and covariance advanced to tNowUs
// without mutating the stored estimate, for use by any number of
// concurrent readers. Two calls with the same tNowUs and no intervening
// Update return identical results.
func (f *Filter) Predict(tNowUs uint32) (State, Covariance) {
	f.mu.Lock()
	x, p, cfg, tLast, ready := f.x, f.p, f.cfg, f.tLast, f.ready
	f.mu.Unlock()

	if !ready {
		return x, p
	}
	dt := deltaSeconds(tNowUs, tLast)
	return predictFrom(x, p, cfg, dt)
}

// State returns a snapshot of the current published state without
// advancing it.
func (f *Filter) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.x
}
