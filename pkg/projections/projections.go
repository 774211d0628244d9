// Package projections derives read models from the event log: health,
// compliance, queue state, trends, verification debt, and forward
// predictions. Projections never mutate intents; the only writes are
// snapshot events recording what was observed.
package projections

import (
	"math"
	"time"

	"github.com/convergehq/converge/pkg/eventlog"
)

// Service computes projections over the event log.
type Service struct {
	events *eventlog.Log
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a projection service.
func NewService(events *eventlog.Log, opts ...Option) *Service {
	s := &Service{events: events, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) sinceHours(hours int) string {
	return s.now().UTC().Add(-time.Duration(hours) * time.Hour).Format(timeFormat)
}

func (s *Service) sinceDays(days int) string {
	return s.sinceHours(days * 24)
}

const timeFormat = "2006-01-02T15:04:05.999999Z07:00"

func safeAvg(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }
func round2(x float64) float64 { return math.Round(x*100) / 100 }
func round3(x float64) float64 { return math.Round(x*1000) / 1000 }
func round4(x float64) float64 { return math.Round(x*10000) / 10000 }
