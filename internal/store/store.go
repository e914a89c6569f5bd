package store

import (
	"context"
	"time"

	"qline/queue-engine/internal/models"
)

type CreateTicketInput struct {
	ServiceID  string
	VisitorRef string
	ETAMinutes int
	JoinedAt   time.Time
}

// TicketStore is the durable home of services and tickets. Position
// allocation happens inside CreateTicket: the implementation must hand out
// strictly increasing per-service positions with no duplicates under
// concurrent calls. Gaps left by failed attempts are acceptable.
type TicketStore interface {
	GetServiceByCode(ctx context.Context, code string) (models.Service, error)
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	ListServices(ctx context.Context) ([]models.Service, error)

	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	UpdateTicketETA(ctx context.Context, ticketID string, etaMinutes int) error
	CountWaitingAhead(ctx context.Context, serviceID string, position int64) (int, error)
	CountWaiting(ctx context.Context, serviceID string) (int, error)

	CancelTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	CallNext(ctx context.Context, serviceID string, calledAt time.Time) (models.Ticket, error)
	CompleteTicket(ctx context.Context, ticketID string, completedAt time.Time) (models.Ticket, error)

	ListVisitorTickets(ctx context.Context, visitorRef string) ([]models.Ticket, error)
	VisitorHistory(ctx context.Context, visitorRef string) (total int, noShows int, err error)

	ExpireServing(ctx context.Context, grace time.Duration, batchSize int) ([]models.Ticket, error)
	ExpireWaiting(ctx context.Context, maxWait time.Duration, batchSize int) ([]models.Ticket, error)
}
