package fleet

import (
	"time"

	"github.com/arloliu/fleetsim/lease"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Stats are live counters shared by every user of a run.
type Stats struct {
	spawned         atomic.Int64
	active          atomic.Int64
	sessions        atomic.Int64
	failed          atomic.Int64
	published       atomic.Int64
	suppressed      atomic.Int64
	renewals        atomic.Int64
	ackFailed       atomic.Int64
	partialReleases atomic.Int64
}

// Summary is a point-in-time copy of Stats.
type Summary struct {
	RunID           string
	Elapsed         time.Duration
	Spawned         int64
	Active          int64
	Sessions        int64
	Failed          int64
	Published       int64
	Suppressed      int64
	Renewals        int64
	AckFailed       int64
	PartialReleases int64
}

func (s *Stats) record(res lease.Result, failed bool) {
	s.sessions.Inc()
	if failed {
		s.failed.Inc()
	}
	s.published.Add(int64(res.Published))
	s.suppressed.Add(int64(res.Suppressed))
	s.renewals.Add(int64(res.Renewals))
	if res.AckFailed {
		s.ackFailed.Inc()
	}
	if res.Release != nil && res.Release.Err() != nil {
		s.partialReleases.Inc()
	}
}

func (s *Stats) snapshot(runID string, elapsed time.Duration) Summary {
	return Summary{
		RunID:           runID,
		Elapsed:         elapsed,
		Spawned:         s.spawned.Load(),
		Active:          s.active.Load(),
		Sessions:        s.sessions.Load(),
		Failed:          s.failed.Load(),
		Published:       s.published.Load(),
		Suppressed:      s.suppressed.Load(),
		Renewals:        s.renewals.Load(),
		AckFailed:       s.ackFailed.Load(),
		PartialReleases: s.partialReleases.Load(),
	}
}

// Fields renders the summary as log fields.
func (s Summary) Fields() []zap.Field {
	return []zap.Field{
		zap.String("run.id", s.RunID),
		zap.Duration("elapsed", s.Elapsed),
		zap.Int64("users.spawned", s.Spawned),
		zap.Int64("sessions", s.Sessions),
		zap.Int64("sessions.failed", s.Failed),
		zap.Int64("messages.published", s.Published),
		zap.Int64("messages.suppressed", s.Suppressed),
		zap.Int64("tokens.renewed", s.Renewals),
		zap.Int64("pool.ack_failed", s.AckFailed),
		zap.Int64("releases.partial", s.PartialReleases),
	}
}
