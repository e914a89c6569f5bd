package sweeper

import (
	"context"
	"time"

	"qline/queue-engine/internal/models"
	"qline/queue-engine/internal/notify"

	"github.com/rs/zerolog"
)

// ExpiryStore is the slice of the ticket store the sweeper mutates.
type ExpiryStore interface {
	ExpireServing(ctx context.Context, grace time.Duration, batchSize int) ([]models.Ticket, error)
	ExpireWaiting(ctx context.Context, maxWait time.Duration, batchSize int) ([]models.Ticket, error)
}

type Config struct {
	Grace     time.Duration
	MaxWait   time.Duration
	BatchSize int
}

// Sweeper expires called-but-absent visitors. Tickets serving longer than
// the grace window become no-shows; when MaxWait is set, waiting tickets
// older than it are expired too (pre-call abandonment is otherwise left to
// cancel).
type Sweeper struct {
	store     ExpiryStore
	notifier  notify.Sink
	logger    zerolog.Logger
	grace     time.Duration
	maxWait   time.Duration
	batchSize int
}

func New(st ExpiryStore, notifier notify.Sink, logger zerolog.Logger, cfg Config) *Sweeper {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	if notifier == nil {
		notifier = notify.NewNoopSink()
	}
	return &Sweeper{
		store:     st,
		notifier:  notifier,
		logger:    logger,
		grace:     cfg.Grace,
		maxWait:   cfg.MaxWait,
		batchSize: batch,
	}
}

// Run performs one sweep pass and returns the number of tickets expired.
// Re-running against already-expired tickets is a no-op.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireServing(ctx, s.grace, s.batchSize)
	if err != nil {
		return 0, err
	}

	if s.maxWait > 0 {
		abandoned, err := s.store.ExpireWaiting(ctx, s.maxWait, s.batchSize)
		if err != nil {
			return len(expired), err
		}
		expired = append(expired, abandoned...)
	}

	for _, ticket := range expired {
		if err := s.notifier.Send(ctx, notify.Intent{
			VisitorRef: ticket.VisitorRef,
			Kind:       notify.KindExpired,
			Payload: map[string]interface{}{
				"ticket_id": ticket.TicketID,
				"position":  ticket.Position,
			},
		}); err != nil {
			s.logger.Warn().Err(err).Str("ticket_id", ticket.TicketID).Msg("no-show notification failed")
		}
	}
	return len(expired), nil
}

// Start runs the sweeper on a fixed interval until the context is
// cancelled. Storage errors are logged and retried on the next tick.
func Start(ctx context.Context, interval time.Duration, s *Sweeper) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.Run(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("sweep error")
				continue
			}
			if count > 0 {
				s.logger.Info().Int("expired", count).Msg("sweep expired tickets")
			}
		}
	}
}
