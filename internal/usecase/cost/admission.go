package cost

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"researchd/internal/domain"
)

// Admission applies the multi-level budget thresholds to a cost
// estimate. It is the single place threshold logic lives; no other
// component re-implements budget policy.
//
// Thresholds sit behind an atomic pointer and change only through
// UpdateThresholds. The session and daily spend accumulators are
// guarded by one mutex since many tasks admit and record concurrently.
type Admission struct {
	thresholds atomic.Pointer[domain.CostThresholds]

	// AutoDowngrade switches full-mode requests that would trigger a
	// warning to reduced mode instead of merely recommending it.
	// Off by default: the controller only recommends.
	autoDowngrade bool

	mu       sync.Mutex
	sessions map[string]float64
	daily    float64
	resetDay string // YYYY-MM-DD (UTC) of last daily reset

	now    func() time.Time
	logger *slog.Logger
}

// NewAdmission creates an admission controller with the given initial
// thresholds.
func NewAdmission(th domain.CostThresholds, autoDowngrade bool, logger *slog.Logger) *Admission {
	a := &Admission{
		autoDowngrade: autoDowngrade,
		sessions:      make(map[string]float64),
		now:           time.Now,
		logger:        logger,
	}
	a.thresholds.Store(&th)
	a.resetDay = a.today()
	return a
}

func (a *Admission) today() string {
	return a.now().UTC().Format("2006-01-02")
}

// Thresholds returns the current threshold configuration.
func (a *Admission) Thresholds() domain.CostThresholds {
	return *a.thresholds.Load()
}

// UpdateThresholds replaces the threshold configuration. This is the
// administrative update operation; it takes effect on the next Admit.
func (a *Admission) UpdateThresholds(th domain.CostThresholds) {
	a.thresholds.Store(&th)
	a.logger.Info("cost thresholds updated",
		"session_limit", th.SessionLimit,
		"daily_limit", th.DailyLimit,
		"emergency_stop", th.EmergencyStop,
	)
}

// rollover resets the daily accumulator when the UTC day changes.
// Caller must hold a.mu.
func (a *Admission) rollover() {
	d := a.today()
	if d == a.resetDay {
		return
	}
	a.daily = 0
	a.resetDay = d
}

// Admit evaluates the decision rules in order: override, emergency
// stop, daily hard limit, session hard limit, warning thresholds,
// silent approval. Rejections are structured decisions, never errors.
func (a *Admission) Admit(est domain.CostEstimate, sessionID string, mode domain.ExecutionMode, override bool) domain.AdmissionDecision {
	if override {
		a.logger.Info("cost override accepted",
			"session_id", sessionID,
			"estimate", est.Dollars,
		)
		return domain.AdmissionDecision{
			Approved: true,
			Mode:     mode,
			Reason:   fmt.Sprintf("caller override: estimate $%.2f approved unconditionally", est.Dollars),
		}
	}

	th := a.Thresholds()

	a.mu.Lock()
	a.rollover()
	sessionTotal := a.sessions[sessionID]
	dailyTotal := a.daily
	a.mu.Unlock()

	if th.EmergencyStop > 0 && est.Dollars >= th.EmergencyStop {
		return domain.AdmissionDecision{
			Approved: false,
			Mode:     mode,
			Reason:   fmt.Sprintf("estimate $%.2f at or above emergency stop $%.2f", est.Dollars, th.EmergencyStop),
		}
	}
	if th.DailyLimit > 0 && dailyTotal+est.Dollars >= th.DailyLimit {
		return domain.AdmissionDecision{
			Approved: false,
			Mode:     mode,
			Reason: fmt.Sprintf("daily total $%.2f + estimate $%.2f would reach daily limit $%.2f",
				dailyTotal, est.Dollars, th.DailyLimit),
		}
	}
	if th.SessionLimit > 0 && sessionTotal+est.Dollars >= th.SessionLimit {
		return domain.AdmissionDecision{
			Approved: false,
			Mode:     mode,
			Reason: fmt.Sprintf("session total $%.2f + estimate $%.2f would reach session limit $%.2f",
				sessionTotal, est.Dollars, th.SessionLimit),
		}
	}

	warning := (th.SessionWarning > 0 && est.Dollars > th.SessionWarning) ||
		(th.DailyWarning > 0 && est.Dollars > th.DailyWarning)

	if warning && a.autoDowngrade && mode == domain.ModeFull {
		if alt, ok := reducedAlternative(est); ok {
			stillWarns := (th.SessionWarning > 0 && alt.Dollars > th.SessionWarning) ||
				(th.DailyWarning > 0 && alt.Dollars > th.DailyWarning)
			return domain.AdmissionDecision{
				Approved: true,
				Mode:     domain.ModeReduced,
				Warning:  stillWarns,
				Reason: fmt.Sprintf("auto-downgraded to reduced mode: full estimate $%.2f over warning threshold, reduced estimate $%.2f",
					est.Dollars, alt.Dollars),
			}
		}
	}

	if warning {
		return domain.AdmissionDecision{
			Approved: true,
			Mode:     mode,
			Warning:  true,
			Reason:   fmt.Sprintf("estimate $%.2f exceeds a warning threshold", est.Dollars),
		}
	}

	return domain.AdmissionDecision{
		Approved: true,
		Mode:     mode,
		Reason:   fmt.Sprintf("estimate $%.2f within budget", est.Dollars),
	}
}

func reducedAlternative(est domain.CostEstimate) (domain.ModeEstimate, bool) {
	for _, alt := range est.Alternatives {
		if alt.Mode == domain.ModeReduced {
			return alt, true
		}
	}
	return domain.ModeEstimate{}, false
}

// RecordSpend adds actual spend to the session and daily accumulators.
func (a *Admission) RecordSpend(sessionID string, dollars float64) {
	if dollars <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover()
	a.sessions[sessionID] += dollars
	a.daily += dollars
}

// SessionTotal returns the accumulated spend for one session.
func (a *Admission) SessionTotal(sessionID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[sessionID]
}

// DailyTotal returns the accumulated spend for the current UTC day.
func (a *Admission) DailyTotal() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover()
	return a.daily
}
