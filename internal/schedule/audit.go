package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jobsift/crawler/internal/scrape"
)

// SiteVerdict explains why one site is or isn't due right now.
type SiteVerdict struct {
	SiteID   string
	SiteURL  string
	Due      bool
	Reason   string
	Locked   bool
	Failed   bool
	Disabled bool
}

// Auditor periodically reports schedule eligibility for every site.
// Read-only; it never mutates store state.
type Auditor struct {
	store  scrape.Store
	clock  scrape.Clock
	logger *zap.Logger
}

// NewAuditor constructs an Auditor.
func NewAuditor(store scrape.Store, clock scrape.Clock, logger *zap.Logger) *Auditor {
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Auditor{store: store, clock: clock, logger: logger}
}

// Report computes a verdict per site.
func (a *Auditor) Report(ctx context.Context) ([]SiteVerdict, error) {
	sites, err := a.store.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	schedules, err := a.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]scrape.Schedule, len(schedules))
	for _, s := range schedules {
		byID[s.ID] = s
	}

	now := a.clock.Now()
	verdicts := make([]SiteVerdict, 0, len(sites))
	for _, site := range sites {
		verdicts = append(verdicts, a.verdict(site, byID, now))
	}
	return verdicts, nil
}

func (a *Auditor) verdict(site scrape.Site, schedules map[string]scrape.Schedule, now time.Time) SiteVerdict {
	v := SiteVerdict{SiteID: site.ID, SiteURL: site.URL}
	switch {
	case !site.Enabled:
		v.Disabled = true
		v.Reason = "site disabled"
		return v
	case site.Failed:
		v.Failed = true
		v.Reason = "site failed: " + site.LastError
		return v
	case site.LockOwner != "" && site.LockExpiresAt != nil && site.LockExpiresAt.After(now):
		v.Locked = true
		v.Reason = "leased by " + site.LockOwner
		return v
	}

	var sched *scrape.Schedule
	if s, ok := schedules[site.ScheduleID]; ok {
		sched = &s
	}
	v.Due, v.Reason = IsDue(site, sched, now)
	return v
}

// Run emits a report on every tick until the context ends.
func (a *Auditor) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			verdicts, err := a.Report(ctx)
			if err != nil {
				a.logger.Warn("schedule audit failed", zap.Error(err))
				continue
			}
			due := 0
			for _, v := range verdicts {
				if v.Due {
					due++
				}
				a.logger.Debug("schedule audit",
					zap.String("site", v.SiteURL),
					zap.Bool("due", v.Due),
					zap.String("reason", v.Reason),
				)
			}
			a.logger.Info("schedule audit complete",
				zap.Int("sites", len(verdicts)),
				zap.Int("due", due),
			)
		}
	}
}
