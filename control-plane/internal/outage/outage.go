// Package outage rebuilds per-host outage events from problem history.
//
// Records on the same host are merged when the gap between the end of the
// current event and the start of the next record is at most the merge
// threshold. An unresolved event absorbs every later record on its host.
package outage

import (
	"cmp"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pilot-net/netoverview/pkg/types"
)

// DefaultMergeThreshold is the gap below which adjacent problems are one outage.
const DefaultMergeThreshold = 2 * time.Minute

// Reconstructor merges problem records into outage events.
type Reconstructor struct {
	threshold time.Duration
	clock     clockwork.Clock
}

// New creates a Reconstructor. A negative threshold is treated as zero.
func New(threshold time.Duration, clock clockwork.Clock) *Reconstructor {
	if threshold < 0 {
		threshold = 0
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconstructor{threshold: threshold, clock: clock}
}

// Threshold returns the merge threshold.
func (r *Reconstructor) Threshold() time.Duration { return r.threshold }

// Reconstruct merges records into events using the current time for
// active durations.
func (r *Reconstructor) Reconstruct(records []types.ProblemRecord) []types.OutageEvent {
	return Reconstruct(records, r.threshold, r.clock.Now())
}

// Report builds the outage report for [from, till].
func (r *Reconstructor) Report(records []types.ProblemRecord, from, till time.Time) types.OutageReport {
	now := r.clock.Now()
	events := Reconstruct(records, r.threshold, now)

	report := types.OutageReport{
		WindowStart:    from,
		WindowEnd:      till,
		Events:         events,
		DowntimeByHost: DowntimeByHost(events, from, till, now),
		Connected:      true,
	}
	for i := range events {
		if events[i].Active {
			report.ActiveCount++
		}
	}
	return report
}

// Reconstruct is the pure form of Reconstructor.Reconstruct. Events are
// ordered by start time, then host id.
func Reconstruct(records []types.ProblemRecord, threshold time.Duration, now time.Time) []types.OutageEvent {
	byHost := make(map[string][]types.ProblemRecord)
	for _, rec := range records {
		byHost[rec.HostID] = append(byHost[rec.HostID], rec)
	}

	events := make([]types.OutageEvent, 0, len(records))
	for _, recs := range byHost {
		slices.SortStableFunc(recs, func(a, b types.ProblemRecord) int {
			return a.Start.Compare(b.Start)
		})
		events = append(events, mergeHost(recs, threshold, now)...)
	}

	slices.SortFunc(events, func(a, b types.OutageEvent) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.HostID, b.HostID)
	})
	return events
}

// mergeHost merges the sorted records of a single host.
func mergeHost(recs []types.ProblemRecord, threshold time.Duration, now time.Time) []types.OutageEvent {
	var events []types.OutageEvent

	var cur *types.OutageEvent
	var curEnd time.Time // meaningful only when cur is resolved

	for _, rec := range recs {
		if cur != nil && (cur.Active || rec.Start.Sub(curEnd) <= threshold) {
			absorb(cur, &curEnd, rec)
			continue
		}
		if cur != nil {
			events = append(events, finish(*cur, curEnd, now))
		}
		cur = &types.OutageEvent{
			HostID:      rec.HostID,
			HostName:    rec.HostName,
			Start:       rec.Start,
			Severity:    rec.Severity,
			Description: rec.Description,
			ProblemIDs:  []string{rec.ID},
			Active:      rec.Active(),
		}
		if !cur.Active {
			curEnd = *rec.End
		}
	}
	if cur != nil {
		events = append(events, finish(*cur, curEnd, now))
	}
	return events
}

func absorb(ev *types.OutageEvent, end *time.Time, rec types.ProblemRecord) {
	ev.ProblemIDs = append(ev.ProblemIDs, rec.ID)
	if rec.Severity > ev.Severity {
		ev.Severity = rec.Severity
		ev.Description = rec.Description
	}
	if ev.HostName == "" {
		ev.HostName = rec.HostName
	}
	if rec.Active() {
		ev.Active = true
		return
	}
	if !ev.Active && rec.End.After(*end) {
		*end = *rec.End
	}
}

func finish(ev types.OutageEvent, end time.Time, now time.Time) types.OutageEvent {
	if ev.Active {
		ev.End = nil
		ev.Duration = nonNegative(now.Sub(ev.Start))
		return ev
	}
	e := end
	ev.End = &e
	ev.Duration = nonNegative(e.Sub(ev.Start))
	return ev
}

// TotalDowntime sums the durations of events clipped to [from, till].
// Active events extend to now. For the events of one host the result never
// exceeds the window length.
func TotalDowntime(events []types.OutageEvent, from, till, now time.Time) time.Duration {
	var total time.Duration
	for i := range events {
		total += clipped(events[i], from, till, now)
	}
	return total
}

// DowntimeByHost returns TotalDowntime per host id. Hosts whose events fall
// entirely outside the window are omitted.
func DowntimeByHost(events []types.OutageEvent, from, till, now time.Time) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for i := range events {
		if d := clipped(events[i], from, till, now); d > 0 {
			out[events[i].HostID] += d
		}
	}
	return out
}

func clipped(ev types.OutageEvent, from, till, now time.Time) time.Duration {
	end := now
	if ev.End != nil {
		end = *ev.End
	}
	start := ev.Start
	if start.Before(from) {
		start = from
	}
	if end.After(till) {
		end = till
	}
	return nonNegative(end.Sub(start))
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
