// Package inactivity closes tickets whose conversation has gone quiet.
//
// A sweep runs in two phases. Assigned tickets idle for longer than the
// threshold become inactive; inactive tickets whose grace period has run
// out are closed. Every decision is made from persisted columns; there are
// no per-ticket timers.
package inactivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/psds-microservice/helpdesk-service/internal/clock"
	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"github.com/rs/zerolog"
)

// ErrSweepInProgress is returned by Sweep while another sweep is running.
var ErrSweepInProgress = errors.New("inactivity: sweep already in progress")

// Tickets is the part of the ticket service the monitor drives.
type Tickets interface {
	StaleAssigned(ctx context.Context, cutoff time.Time) ([]uint64, error)
	MarkInactive(ctx context.Context, ticketID uint64, cutoff time.Time) (*model.Ticket, error)
	ExpiredInactive(ctx context.Context, cutoff time.Time) ([]uint64, error)
	CloseInactive(ctx context.Context, ticketID uint64, cutoff time.Time) (*model.Ticket, error)
}

type Config struct {
	Interval  time.Duration
	Threshold time.Duration
	Grace     time.Duration
}

// Result counts what one sweep did. Skipped tickets changed under the
// sweep (a message arrived, an agent closed it) and were left alone.
type Result struct {
	MarkedInactive int
	Closed         int
	Skipped        int
	Failed         int
}

type Monitor struct {
	tickets Tickets
	clock   clock.Clock
	cfg     Config
	log     zerolog.Logger
	running sync.Mutex
}

func New(tickets Tickets, c clock.Clock, cfg Config, log zerolog.Logger) *Monitor {
	if c == nil {
		c = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 24 * time.Hour
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	return &Monitor{
		tickets: tickets,
		clock:   c,
		cfg:     cfg,
		log:     log.With().Str("component", "inactivity").Logger(),
	}
}

// Run sweeps once per interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.log.Info().
		Dur("interval", m.cfg.Interval).
		Dur("threshold", m.cfg.Threshold).
		Dur("grace", m.cfg.Grace).
		Msg("inactivity monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("inactivity monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && ctx.Err() == nil {
				m.log.Error().Err(err).Msg("inactivity sweep failed")
			}
		}
	}
}

// Sweep runs one cycle. Only one cycle runs at a time.
func (m *Monitor) Sweep(ctx context.Context) (Result, error) {
	if !m.running.TryLock() {
		return Result{}, ErrSweepInProgress
	}
	defer m.running.Unlock()

	var res Result
	now := m.clock.Now()

	staleCutoff := now.Add(-m.cfg.Threshold)
	stale, err := m.tickets.StaleAssigned(ctx, staleCutoff)
	if err != nil {
		return res, err
	}
	for _, id := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		_, err := m.tickets.MarkInactive(ctx, id, staleCutoff)
		m.count(&res, &res.MarkedInactive, id, "mark inactive", err)
	}

	// Re-read the clock so a zero grace closes what phase one just marked.
	graceCutoff := m.clock.Now().Add(-m.cfg.Grace)
	expired, err := m.tickets.ExpiredInactive(ctx, graceCutoff)
	if err != nil {
		return res, err
	}
	for _, id := range expired {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		_, err := m.tickets.CloseInactive(ctx, id, graceCutoff)
		m.count(&res, &res.Closed, id, "close inactive", err)
	}

	if res != (Result{}) {
		m.log.Info().
			Int("marked_inactive", res.MarkedInactive).
			Int("closed", res.Closed).
			Int("skipped", res.Skipped).
			Int("failed", res.Failed).
			Msg("inactivity sweep")
	}
	return res, nil
}

func (m *Monitor) count(res *Result, ok *int, ticketID uint64, op string, err error) {
	switch {
	case err == nil:
		*ok++
	case errs.Is(err, errs.KindConflict), errs.Is(err, errs.KindNotFound):
		res.Skipped++
		m.log.Debug().Uint64("ticket_id", ticketID).Str("op", op).Str("reason", errs.Message(err)).Msg("ticket skipped")
	default:
		res.Failed++
		m.log.Error().Err(err).Uint64("ticket_id", ticketID).Str("op", op).Msg("sweep step failed")
	}
}
