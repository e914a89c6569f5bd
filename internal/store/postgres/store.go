package postgres

import (
	"context"
	"errors"
	"time"

	"qline/queue-engine/internal/models"
	"qline/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// createRetryLimit bounds retries after a (service_id, position) unique
// violation. The counter upsert makes collisions effectively impossible;
// the constraint is defense in depth.
const createRetryLimit = 3

const ticketColumns = `ticket_id, service_id, visitor_ref, position, status, joined_at, serving_started_at, completed_at, eta_minutes`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetServiceByCode(ctx context.Context, code string) (models.Service, error) {
	var svc models.Service
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, org_id, name, code, avg_minutes, active, end_code, current_serving
		FROM services
		WHERE upper(code) = upper($1)
		ORDER BY active DESC
		LIMIT 1
	`, code)
	if err := scanService(row, &svc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	var svc models.Service
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, org_id, name, code, avg_minutes, active, end_code, current_serving
		FROM services
		WHERE service_id = $1
	`, serviceID)
	if err := scanService(row, &svc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, org_id, name, code, avg_minutes, active, end_code, current_serving
		FROM services
		WHERE active = TRUE
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var svc models.Service
		if err := scanService(rows, &svc); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	var lastErr error
	for attempt := 0; attempt < createRetryLimit; attempt++ {
		ticket, err := s.tryCreateTicket(ctx, input)
		if err == nil {
			return ticket, nil
		}
		if !isUniqueViolation(err) {
			return models.Ticket{}, err
		}
		lastErr = err
	}
	if lastErr != nil {
		return models.Ticket{}, store.ErrDuplicatePosition
	}
	return models.Ticket{}, store.ErrDuplicatePosition
}

func (s *Store) tryCreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	position, err := nextPosition(ctx, tx, input.ServiceID)
	if err != nil {
		return models.Ticket{}, err
	}

	joinedAt := input.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}

	var ticket models.Ticket
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (ticket_id, service_id, visitor_ref, position, status, joined_at, eta_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+ticketColumns+`
	`, uuid.NewString(), input.ServiceID, input.VisitorRef, position, models.StatusWaiting, joinedAt, input.ETAMinutes)
	if err = scanTicket(row, &ticket); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	var ticket models.Ticket
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	if err := scanTicket(row, &ticket); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) UpdateTicketETA(ctx context.Context, ticketID string, etaMinutes int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tickets SET eta_minutes = $1 WHERE ticket_id = $2
	`, etaMinutes, ticketID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTicketNotFound
	}
	return nil
}

func (s *Store) CountWaitingAhead(ctx context.Context, serviceID string, position int64) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE service_id = $1 AND status = $2 AND position < $3
	`, serviceID, models.StatusWaiting, position)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CountWaiting(ctx context.Context, serviceID string) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE service_id = $1 AND status = $2
	`, serviceID, models.StatusWaiting)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CancelTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	var ticket models.Ticket
	row := s.pool.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1
		WHERE ticket_id = $2 AND status = $3
		RETURNING `+ticketColumns+`
	`, models.StatusCancelled, ticketID, models.StatusWaiting)
	if err := scanTicket(row, &ticket); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, s.classifyMissedUpdate(ctx, ticketID)
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

// CallNext flips the smallest-position waiting ticket to serving and moves
// the service's current_serving marker in the same transaction.
func (s *Store) CallNext(ctx context.Context, serviceID string, calledAt time.Time) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	var ticket models.Ticket
	row := tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE service_id = $1 AND status = $2
			ORDER BY position ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = $3,
			serving_started_at = $4
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING tickets.ticket_id, tickets.service_id, tickets.visitor_ref, tickets.position, tickets.status, tickets.joined_at, tickets.serving_started_at, tickets.completed_at, tickets.eta_minutes
	`, serviceID, models.StatusWaiting, models.StatusServing, calledAt)
	if err = scanTicket(row, &ticket); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = nil
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return models.Ticket{}, commitErr
			}
			return models.Ticket{}, store.ErrEmptyQueue
		}
		return models.Ticket{}, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE services SET current_serving = $1 WHERE service_id = $2
	`, ticket.Position, serviceID); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CompleteTicket(ctx context.Context, ticketID string, completedAt time.Time) (models.Ticket, error) {
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	var ticket models.Ticket
	row := s.pool.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1,
			completed_at = $2
		WHERE ticket_id = $3 AND status = $4
		RETURNING `+ticketColumns+`
	`, models.StatusCompleted, completedAt, ticketID, models.StatusServing)
	if err := scanTicket(row, &ticket); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, s.classifyMissedUpdate(ctx, ticketID)
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListVisitorTickets(ctx context.Context, visitorRef string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE visitor_ref = $1 AND status IN ($2, $3)
		ORDER BY joined_at ASC
	`, visitorRef, models.StatusWaiting, models.StatusServing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		var ticket models.Ticket
		if err := scanTicket(rows, &ticket); err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) VisitorHistory(ctx context.Context, visitorRef string) (int, int, error) {
	var total, noShows int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $2)
		FROM tickets
		WHERE visitor_ref = $1
	`, visitorRef, models.StatusNoShow)
	if err := row.Scan(&total, &noShows); err != nil {
		return 0, 0, err
	}
	return total, noShows, nil
}

func (s *Store) ExpireServing(ctx context.Context, grace time.Duration, batchSize int) ([]models.Ticket, error) {
	if grace <= 0 {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-grace)
	return s.expire(ctx, `
		WITH expired AS (
			SELECT ticket_id
			FROM tickets
			WHERE status = $1 AND serving_started_at <= $2
			ORDER BY serving_started_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE tickets
		SET status = $4
		FROM expired
		WHERE tickets.ticket_id = expired.ticket_id
		RETURNING tickets.ticket_id, tickets.service_id, tickets.visitor_ref, tickets.position, tickets.status, tickets.joined_at, tickets.serving_started_at, tickets.completed_at, tickets.eta_minutes
	`, models.StatusServing, cutoff, batchSize)
}

func (s *Store) ExpireWaiting(ctx context.Context, maxWait time.Duration, batchSize int) ([]models.Ticket, error) {
	if maxWait <= 0 {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-maxWait)
	return s.expire(ctx, `
		WITH expired AS (
			SELECT ticket_id
			FROM tickets
			WHERE status = $1 AND joined_at <= $2
			ORDER BY joined_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE tickets
		SET status = $4
		FROM expired
		WHERE tickets.ticket_id = expired.ticket_id
		RETURNING tickets.ticket_id, tickets.service_id, tickets.visitor_ref, tickets.position, tickets.status, tickets.joined_at, tickets.serving_started_at, tickets.completed_at, tickets.eta_minutes
	`, models.StatusWaiting, cutoff, batchSize)
}

func (s *Store) expire(ctx context.Context, query string, fromStatus string, cutoff time.Time, batchSize int) ([]models.Ticket, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	rows, err := s.pool.Query(ctx, query, fromStatus, cutoff, batchSize, models.StatusNoShow)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		var ticket models.Ticket
		if err := scanTicket(rows, &ticket); err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

// classifyMissedUpdate distinguishes an unknown ticket from one whose
// current status rejected the guarded update.
func (s *Store) classifyMissedUpdate(ctx context.Context, ticketID string) error {
	var status string
	row := s.pool.QueryRow(ctx, `
		SELECT status FROM tickets WHERE ticket_id = $1
	`, ticketID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		return err
	}
	return store.ErrInvalidTransition
}

func nextPosition(ctx context.Context, tx pgx.Tx, serviceID string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_positions (service_id, next_position)
		VALUES ($1, 1)
		ON CONFLICT (service_id)
		DO UPDATE SET next_position = queue_positions.next_position + 1
		RETURNING next_position
	`, serviceID)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner, ticket *models.Ticket) error {
	return row.Scan(
		&ticket.TicketID,
		&ticket.ServiceID,
		&ticket.VisitorRef,
		&ticket.Position,
		&ticket.Status,
		&ticket.JoinedAt,
		&ticket.ServingStartedAt,
		&ticket.CompletedAt,
		&ticket.ETAMinutes,
	)
}

func scanService(row rowScanner, svc *models.Service) error {
	return row.Scan(
		&svc.ServiceID,
		&svc.OrgID,
		&svc.Name,
		&svc.Code,
		&svc.AvgMinutes,
		&svc.Active,
		&svc.EndCode,
		&svc.CurrentServing,
	)
}
