package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pivot/internal/domain"
	"pivot/internal/store"
	"pivot/internal/util"
)

// RiskManager gates trading on the calendar, the session clock, and the
// daily loss limit. All time checks run in the session timezone.
type RiskManager struct {
	ledger store.Ledger
	log    *slog.Logger
	loc    *time.Location

	sessionStart util.Clock
	sessionEnd   util.Clock
	eodExit      util.Clock

	maxLossPerContract float64
	contracts          int
	pauseDuration      time.Duration
	holidays           map[string]bool

	mu         sync.Mutex
	pause      *domain.TradingPause
	lastEODDay string
}

// NewRiskManager creates a RiskManager. Holidays use the YYYY-MM-DD form.
func NewRiskManager(
	ledger store.Ledger,
	log *slog.Logger,
	loc *time.Location,
	sessionStart, sessionEnd, eodExit util.Clock,
	maxLossPerContract float64,
	contracts int,
	pauseDuration time.Duration,
	holidays []string,
) *RiskManager {
	hs := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		hs[h] = true
	}
	return &RiskManager{
		ledger:             ledger,
		log:                log,
		loc:                loc,
		sessionStart:       sessionStart,
		sessionEnd:         sessionEnd,
		eodExit:            eodExit,
		maxLossPerContract: maxLossPerContract,
		contracts:          contracts,
		pauseDuration:      pauseDuration,
		holidays:           hs,
	}
}

// LoadPause restores a persisted pause after a restart, so a loss pause
// survives a crash.
func (rm *RiskManager) LoadPause(ctx context.Context, now time.Time) error {
	p, err := rm.ledger.LatestPause(ctx)
	if err != nil {
		return fmt.Errorf("loading pause: %w", err)
	}
	if p == nil || !p.Active(now) {
		return nil
	}
	rm.mu.Lock()
	rm.pause = p
	rm.mu.Unlock()
	rm.log.Warn("trading pause restored from ledger", "until", p.End)
	return nil
}

// IsTradingDay reports whether the calendar allows trading at the given
// instant. Saturdays and configured holidays never trade; Sundays open only
// once the overnight session starts.
func (rm *RiskManager) IsTradingDay(now time.Time) bool {
	now = now.In(rm.loc)
	if rm.holidays[now.Format("2006-01-02")] {
		return false
	}
	switch now.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return minutesOf(now) >= rm.sessionStart.Minutes()
	default:
		return true
	}
}

// InTradingHours reports whether the session clock allows trading. A start
// later than the end means the session wraps midnight.
func (rm *RiskManager) InTradingHours(now time.Time) bool {
	m := minutesOf(now.In(rm.loc))
	start, end := rm.sessionStart.Minutes(), rm.sessionEnd.Minutes()
	if start > end {
		return m >= start || m < end
	}
	return m >= start && m < end
}

// Paused reports whether a loss pause covers the given instant.
func (rm *RiskManager) Paused(now time.Time) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.pause != nil && rm.pause.Active(now)
}

// PauseEnd returns the end of the active pause, or the zero time when no
// pause is active.
func (rm *RiskManager) PauseEnd(now time.Time) time.Time {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.pause == nil || !rm.pause.Active(now) {
		return time.Time{}
	}
	return rm.pause.End
}

// CheckLoss compares the realized daily PnL against the loss limit and, when
// breached, starts a persisted trading pause. It returns true when a new
// pause began on this call.
func (rm *RiskManager) CheckLoss(ctx context.Context, pnl float64, now time.Time) (bool, error) {
	limit := -rm.maxLossPerContract * float64(rm.contracts)
	if pnl > limit {
		return false, nil
	}

	rm.mu.Lock()
	if rm.pause != nil && rm.pause.Active(now) {
		rm.mu.Unlock()
		return false, nil
	}
	p := domain.TradingPause{Start: now, End: now.Add(rm.pauseDuration)}
	rm.pause = &p
	rm.mu.Unlock()

	rm.log.Warn("daily loss limit hit, pausing trading",
		"pnl", pnl,
		"limit", limit,
		"until", p.End)
	if err := rm.ledger.SavePause(ctx, p); err != nil {
		return true, fmt.Errorf("persisting pause: %w", err)
	}
	return true, nil
}

// InEODWindow reports whether the clock is inside the end-of-day close
// window. No new entries are allowed there.
func (rm *RiskManager) InEODWindow(now time.Time) bool {
	m := minutesOf(now.In(rm.loc))
	return m >= rm.eodExit.Minutes() && m < rm.sessionEnd.Minutes()
}

// ShouldCloseEOD reports whether the clock is inside the end-of-day close
// window and no close has run today yet.
func (rm *RiskManager) ShouldCloseEOD(now time.Time) bool {
	now = now.In(rm.loc)
	if !rm.InEODWindow(now) {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.lastEODDay != now.Format("2006-01-02")
}

// MarkEODClosed records that today's end-of-day close has run.
func (rm *RiskManager) MarkEODClosed(now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastEODDay = now.In(rm.loc).Format("2006-01-02")
}

func minutesOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
