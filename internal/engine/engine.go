package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"qline/queue-engine/internal/models"
	"qline/queue-engine/internal/notify"
	"qline/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidCode is returned by Complete when the supplied completion code
// does not match the service's end code. The ticket stays serving so the
// code can be re-entered.
var ErrInvalidCode = errors.New("invalid completion code")

type JoinResult struct {
	TicketID   string `json:"ticket_id"`
	VisitorRef string `json:"visitor_ref"`
	Position   int64  `json:"position"`
	ETAMinutes int    `json:"eta_minutes"`
}

type StatusResult struct {
	Status      string `json:"status"`
	LiveRank    int    `json:"live_rank"`
	ETAMinutes  int    `json:"eta_minutes"`
	ServiceName string `json:"service_name"`
}

type CallNextResult struct {
	TicketID   string `json:"ticket_id"`
	VisitorRef string `json:"visitor_ref"`
	Position   int64  `json:"position"`
}

type TicketSummary struct {
	TicketID    string `json:"ticket_id"`
	ServiceName string `json:"service_name"`
	Status      string `json:"status"`
	Position    int64  `json:"position"`
	LiveRank    int    `json:"live_rank"`
	ETAMinutes  int    `json:"eta_minutes"`
}

type Options struct {
	NotifyTimeout time.Duration
}

// Engine owns every ticket and service mutation. The store handle, the
// estimator, and the notification sink are injected; none of them are
// package-level state.
type Engine struct {
	store         store.TicketStore
	estimator     Estimator
	notifier      notify.Sink
	logger        zerolog.Logger
	notifyTimeout time.Duration
}

func New(st store.TicketStore, estimator Estimator, notifier notify.Sink, logger zerolog.Logger, options Options) *Engine {
	timeout := options.NotifyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if estimator == nil {
		estimator = FixedEstimator{}
	}
	if notifier == nil {
		notifier = notify.NewNoopSink()
	}
	return &Engine{
		store:         st,
		estimator:     estimator,
		notifier:      notifier,
		logger:        logger,
		notifyTimeout: timeout,
	}
}

// Join places a visitor in the queue identified by serviceCode. An empty
// visitorRef gets an opaque guest token so the ticket can still be polled.
func (e *Engine) Join(ctx context.Context, serviceCode, visitorRef string) (JoinResult, error) {
	code := strings.ToUpper(strings.TrimSpace(serviceCode))
	if code == "" {
		return JoinResult{}, store.ErrServiceNotFound
	}
	visitorRef = strings.TrimSpace(visitorRef)
	if visitorRef == "" {
		visitorRef = "guest-" + uuid.NewString()
	}

	svc, err := e.store.GetServiceByCode(ctx, code)
	if err != nil {
		return JoinResult{}, err
	}
	if !svc.Active {
		return JoinResult{}, store.ErrServiceInactive
	}

	depth, err := e.store.CountWaiting(ctx, svc.ServiceID)
	if err != nil {
		return JoinResult{}, err
	}

	ticket, err := e.store.CreateTicket(ctx, store.CreateTicketInput{
		ServiceID:  svc.ServiceID,
		VisitorRef: visitorRef,
		JoinedAt:   time.Now().UTC(),
	})
	if err != nil {
		return JoinResult{}, err
	}

	eta := e.estimator.Estimate(ctx, svc.AvgMinutes, int(ticket.Position), depth+1)
	// The stored ETA is derived data; a failed write must not fail the join.
	if err := e.store.UpdateTicketETA(ctx, ticket.TicketID, eta); err != nil {
		e.logger.Warn().Err(err).Str("ticket_id", ticket.TicketID).Msg("update ticket eta")
	}

	e.dispatch(notify.Intent{
		VisitorRef: visitorRef,
		Kind:       notify.KindJoined,
		Payload: map[string]interface{}{
			"ticket_id":    ticket.TicketID,
			"service_name": svc.Name,
			"position":     ticket.Position,
			"eta_minutes":  eta,
		},
	})

	return JoinResult{
		TicketID:   ticket.TicketID,
		VisitorRef: visitorRef,
		Position:   ticket.Position,
		ETAMinutes: eta,
	}, nil
}

func (e *Engine) Status(ctx context.Context, ticketID string) (StatusResult, error) {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return StatusResult{}, err
	}
	svc, err := e.store.GetService(ctx, ticket.ServiceID)
	if err != nil {
		return StatusResult{}, err
	}

	rank, eta, err := e.liveRank(ctx, svc, ticket)
	if err != nil {
		return StatusResult{}, err
	}

	return StatusResult{
		Status:      ticket.Status,
		LiveRank:    rank,
		ETAMinutes:  eta,
		ServiceName: svc.Name,
	}, nil
}

func (e *Engine) Cancel(ctx context.Context, ticketID string) error {
	_, err := e.store.CancelTicket(ctx, ticketID)
	return err
}

func (e *Engine) CallNext(ctx context.Context, serviceID string) (CallNextResult, error) {
	ticket, err := e.store.CallNext(ctx, serviceID, time.Now().UTC())
	if err != nil {
		return CallNextResult{}, err
	}

	e.dispatch(notify.Intent{
		VisitorRef: ticket.VisitorRef,
		Kind:       notify.KindCalled,
		Payload: map[string]interface{}{
			"ticket_id": ticket.TicketID,
			"position":  ticket.Position,
		},
	})

	return CallNextResult{
		TicketID:   ticket.TicketID,
		VisitorRef: ticket.VisitorRef,
		Position:   ticket.Position,
	}, nil
}

// Complete verifies the service end code and closes a serving ticket. A
// mismatch leaves the ticket serving so staff can retry.
func (e *Engine) Complete(ctx context.Context, ticketID, suppliedCode string) error {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if !store.ValidTransition("complete", ticket.Status) {
		return store.ErrInvalidTransition
	}

	svc, err := e.store.GetService(ctx, ticket.ServiceID)
	if err != nil {
		return err
	}
	supplied := strings.ToUpper(strings.TrimSpace(suppliedCode))
	expected := strings.ToUpper(strings.TrimSpace(svc.EndCode))
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(expected)) != 1 {
		return ErrInvalidCode
	}

	_, err = e.store.CompleteTicket(ctx, ticketID, time.Now().UTC())
	return err
}

// VisitorTickets lists a visitor's non-terminal tickets across services,
// each with its live rank and a fresh ETA.
func (e *Engine) VisitorTickets(ctx context.Context, visitorRef string) ([]TicketSummary, error) {
	tickets, err := e.store.ListVisitorTickets(ctx, visitorRef)
	if err != nil {
		return nil, err
	}

	services := make(map[string]models.Service)
	summaries := make([]TicketSummary, 0, len(tickets))
	for _, ticket := range tickets {
		svc, ok := services[ticket.ServiceID]
		if !ok {
			svc, err = e.store.GetService(ctx, ticket.ServiceID)
			if err != nil {
				return nil, err
			}
			services[ticket.ServiceID] = svc
		}
		rank, eta, err := e.liveRank(ctx, svc, ticket)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, TicketSummary{
			TicketID:    ticket.TicketID,
			ServiceName: svc.Name,
			Status:      ticket.Status,
			Position:    ticket.Position,
			LiveRank:    rank,
			ETAMinutes:  eta,
		})
	}
	return summaries, nil
}

func (e *Engine) VisitorRisk(ctx context.Context, visitorRef string) (float64, error) {
	total, noShows, err := e.store.VisitorHistory(ctx, visitorRef)
	if err != nil {
		return 0, err
	}
	return NoShowRisk(total, noShows), nil
}

func (e *Engine) Services(ctx context.Context) ([]models.Service, error) {
	return e.store.ListServices(ctx)
}

// liveRank derives the ticket's current place from the waiting tickets
// ahead of it. The stored position is never renumbered; cancellations and
// no-shows ahead shrink the rank on read. A ticket that is itself serving
// reports rank 0.
func (e *Engine) liveRank(ctx context.Context, svc models.Service, ticket models.Ticket) (int, int, error) {
	switch ticket.Status {
	case models.StatusWaiting:
		ahead, err := e.store.CountWaitingAhead(ctx, ticket.ServiceID, ticket.Position)
		if err != nil {
			return 0, 0, err
		}
		depth, err := e.store.CountWaiting(ctx, ticket.ServiceID)
		if err != nil {
			return 0, 0, err
		}
		rank := ahead + 1
		return rank, e.estimator.Estimate(ctx, svc.AvgMinutes, rank, depth), nil
	default:
		return 0, 0, nil
	}
}

// dispatch hands an intent to the notification sink without blocking the
// caller. Delivery failures are logged, never surfaced.
func (e *Engine) dispatch(intent notify.Intent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()
		if err := e.notifier.Send(ctx, intent); err != nil {
			e.logger.Warn().Err(err).Str("kind", intent.Kind).Msg("notification intent failed")
		}
	}()
}
