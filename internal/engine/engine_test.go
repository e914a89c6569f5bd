package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qline/queue-engine/internal/models"
	"qline/queue-engine/internal/notify"
	"qline/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// memStore is an in-memory TicketStore with the same atomicity contract
// as the postgres implementation: positions come from a per-service
// counter advanced under the lock.
type memStore struct {
	mu       sync.Mutex
	services map[string]models.Service
	tickets  map[string]models.Ticket
	counters map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		services: make(map[string]models.Service),
		tickets:  make(map[string]models.Ticket),
		counters: make(map[string]int64),
	}
}

func (m *memStore) addService(svc models.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[svc.ServiceID] = svc
}

func (m *memStore) GetServiceByCode(_ context.Context, code string) (models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range m.services {
		if strings.EqualFold(svc.Code, code) {
			return svc, nil
		}
	}
	return models.Service{}, store.ErrServiceNotFound
}

func (m *memStore) GetService(_ context.Context, serviceID string) (models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return svc, nil
}

func (m *memStore) ListServices(_ context.Context) ([]models.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var services []models.Service
	for _, svc := range m.services {
		if svc.Active {
			services = append(services, svc)
		}
	}
	return services, nil
}

func (m *memStore) CreateTicket(_ context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	position := m.counters[input.ServiceID] + 1
	m.counters[input.ServiceID] = position
	joinedAt := input.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}
	ticket := models.Ticket{
		TicketID:   uuid.NewString(),
		ServiceID:  input.ServiceID,
		VisitorRef: input.VisitorRef,
		Position:   position,
		Status:     models.StatusWaiting,
		JoinedAt:   joinedAt,
		ETAMinutes: input.ETAMinutes,
	}
	m.tickets[ticket.TicketID] = ticket
	return ticket, nil
}

func (m *memStore) GetTicket(_ context.Context, ticketID string) (models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (m *memStore) UpdateTicketETA(_ context.Context, ticketID string, etaMinutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[ticketID]
	if !ok {
		return store.ErrTicketNotFound
	}
	ticket.ETAMinutes = etaMinutes
	m.tickets[ticketID] = ticket
	return nil
}

func (m *memStore) CountWaitingAhead(_ context.Context, serviceID string, position int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ticket := range m.tickets {
		if ticket.ServiceID == serviceID && ticket.Status == models.StatusWaiting && ticket.Position < position {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CountWaiting(_ context.Context, serviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ticket := range m.tickets {
		if ticket.ServiceID == serviceID && ticket.Status == models.StatusWaiting {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CancelTicket(_ context.Context, ticketID string) (models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != models.StatusWaiting {
		return models.Ticket{}, store.ErrInvalidTransition
	}
	ticket.Status = models.StatusCancelled
	m.tickets[ticketID] = ticket
	return ticket, nil
}

func (m *memStore) CallNext(_ context.Context, serviceID string, calledAt time.Time) (models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *models.Ticket
	for id := range m.tickets {
		ticket := m.tickets[id]
		if ticket.ServiceID != serviceID || ticket.Status != models.StatusWaiting {
			continue
		}
		if next == nil || ticket.Position < next.Position {
			copied := ticket
			next = &copied
		}
	}
	if next == nil {
		return models.Ticket{}, store.ErrEmptyQueue
	}
	next.Status = models.StatusServing
	started := calledAt
	next.ServingStartedAt = &started
	m.tickets[next.TicketID] = *next
	svc := m.services[serviceID]
	svc.CurrentServing = next.Position
	m.services[serviceID] = svc
	return *next, nil
}

func (m *memStore) CompleteTicket(_ context.Context, ticketID string, completedAt time.Time) (models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != models.StatusServing {
		return models.Ticket{}, store.ErrInvalidTransition
	}
	ticket.Status = models.StatusCompleted
	ticket.CompletedAt = &completedAt
	m.tickets[ticketID] = ticket
	return ticket, nil
}

func (m *memStore) ListVisitorTickets(_ context.Context, visitorRef string) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tickets []models.Ticket
	for _, ticket := range m.tickets {
		if ticket.VisitorRef == visitorRef && !models.IsTerminal(ticket.Status) {
			tickets = append(tickets, ticket)
		}
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].JoinedAt.Before(tickets[j].JoinedAt) })
	return tickets, nil
}

func (m *memStore) VisitorHistory(_ context.Context, visitorRef string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total, noShows := 0, 0
	for _, ticket := range m.tickets {
		if ticket.VisitorRef != visitorRef {
			continue
		}
		total++
		if ticket.Status == models.StatusNoShow {
			noShows++
		}
	}
	return total, noShows, nil
}

func (m *memStore) ExpireServing(_ context.Context, grace time.Duration, _ int) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-grace)
	var expired []models.Ticket
	for id, ticket := range m.tickets {
		if ticket.Status == models.StatusServing && ticket.ServingStartedAt != nil && ticket.ServingStartedAt.Before(cutoff) {
			ticket.Status = models.StatusNoShow
			m.tickets[id] = ticket
			expired = append(expired, ticket)
		}
	}
	return expired, nil
}

func (m *memStore) ExpireWaiting(_ context.Context, maxWait time.Duration, _ int) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxWait)
	var expired []models.Ticket
	for id, ticket := range m.tickets {
		if ticket.Status == models.StatusWaiting && ticket.JoinedAt.Before(cutoff) {
			ticket.Status = models.StatusNoShow
			m.tickets[id] = ticket
			expired = append(expired, ticket)
		}
	}
	return expired, nil
}

func (m *memStore) ticket(t *testing.T, id string) models.Ticket {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[id]
	if !ok {
		t.Fatalf("ticket %s not found", id)
	}
	return ticket
}

type capturedIntent struct {
	intents chan notify.Intent
}

func newCapturedIntent() *capturedIntent {
	return &capturedIntent{intents: make(chan notify.Intent, 16)}
}

func (c *capturedIntent) Send(_ context.Context, intent notify.Intent) error {
	c.intents <- intent
	return nil
}

func (c *capturedIntent) wait(t *testing.T, kind string) notify.Intent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case intent := <-c.intents:
			if intent.Kind == kind {
				return intent
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s intent", kind)
		}
	}
}

func newTestEngine(st store.TicketStore, sink notify.Sink) *Engine {
	return New(st, FixedEstimator{}, sink, zerolog.Nop(), Options{})
}

func seedService(st *memStore) models.Service {
	svc := models.Service{
		ServiceID:  uuid.NewString(),
		OrgID:      uuid.NewString(),
		Name:       "Clinic",
		Code:       "CLINIC1",
		AvgMinutes: 10,
		Active:     true,
		EndCode:    "DONE42",
	}
	st.addService(svc)
	return svc
}

func TestJoinAssignsDistinctGaplessPositions(t *testing.T) {
	st := newMemStore()
	seedService(st)
	eng := newTestEngine(st, notify.NewNoopSink())
	ctx := context.Background()

	const joiners = 50
	var wg sync.WaitGroup
	results := make(chan JoinResult, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := eng.Join(ctx, "CLINIC1", "")
			if err != nil {
				t.Errorf("join: %v", err)
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	var positions []int64
	for result := range results {
		if seen[result.Position] {
			t.Fatalf("duplicate position %d", result.Position)
		}
		seen[result.Position] = true
		positions = append(positions, result.Position)
	}
	if len(positions) != joiners {
		t.Fatalf("expected %d positions, got %d", joiners, len(positions))
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	for i, position := range positions {
		if position != int64(i+1) {
			t.Fatalf("expected gapless positions from 1, got %v", positions)
		}
	}
}

func TestClinicScenario(t *testing.T) {
	st := newMemStore()
	svc := seedService(st)
	eng := newTestEngine(st, notify.NewNoopSink())
	ctx := context.Background()

	alice, err := eng.Join(ctx, "clinic1", "alice")
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if alice.Position != 1 || alice.ETAMinutes != 0 {
		t.Fatalf("alice: position=%d eta=%d, want 1/0", alice.Position, alice.ETAMinutes)
	}

	bob, err := eng.Join(ctx, "CLINIC1", "bob")
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	if bob.Position != 2 || bob.ETAMinutes != 10 {
		t.Fatalf("bob: position=%d eta=%d, want 2/10", bob.Position, bob.ETAMinutes)
	}

	called, err := eng.CallNext(ctx, svc.ServiceID)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.TicketID != alice.TicketID {
		t.Fatalf("expected alice called first")
	}
	if got := st.ticket(t, alice.TicketID); got.Status != models.StatusServing || got.ServingStartedAt == nil {
		t.Fatalf("alice should be serving with serving_started_at set, got %+v", got)
	}

	bobStatus, err := eng.Status(ctx, bob.TicketID)
	if err != nil {
		t.Fatalf("status bob: %v", err)
	}
	if bobStatus.LiveRank != 1 || bobStatus.ETAMinutes != 0 {
		t.Fatalf("bob status: rank=%d eta=%d, want 1/0", bobStatus.LiveRank, bobStatus.ETAMinutes)
	}
	if bobStatus.ServiceName != "Clinic" {
		t.Fatalf("bob status: service=%q", bobStatus.ServiceName)
	}

	if err := eng.Complete(ctx, alice.TicketID, "WRONG"); err != ErrInvalidCode {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if got := st.ticket(t, alice.TicketID); got.Status != models.StatusServing {
		t.Fatalf("wrong code must leave ticket serving, got %s", got.Status)
	}

	if err := eng.Complete(ctx, alice.TicketID, "done42"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := st.ticket(t, alice.TicketID); got.Status != models.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed with completed_at, got %+v", got)
	}

	if err := eng.Complete(ctx, alice.TicketID, "DONE42"); err != store.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition on double complete, got %v", err)
	}
}

func TestJoinServiceLookupErrors(t *testing.T) {
	st := newMemStore()
	inactive := models.Service{
		ServiceID:  uuid.NewString(),
		Name:       "Closed",
		Code:       "CLOSED",
		AvgMinutes: 5,
		Active:     false,
	}
	st.addService(inactive)
	eng := newTestEngine(st, notify.NewNoopSink())
	ctx := context.Background()

	if _, err := eng.Join(ctx, "NOPE", "v"); err != store.ErrServiceNotFound {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
	if _, err := eng.Join(ctx, "CLOSED", "v"); err != store.ErrServiceInactive {
		t.Fatalf("expected ErrServiceInactive, got %v", err)
	}
	if _, err := eng.Join(ctx, "   ", "v"); err != store.ErrServiceNotFound {
		t.Fatalf("expected ErrServiceNotFound for blank code, got %v", err)
	}
}

func TestCancelOnlyFromWaiting(t *testing.T) {
	st := newMemStore()
	svc := seedService(st)
	eng := newTestEngine(st, notify.NewNoopSink())
	ctx := context.Background()

	joined, err := eng.Join(ctx, "CLINIC1", "carol")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := eng.Cancel(ctx, joined.TicketID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := eng.Cancel(ctx, joined.TicketID); err != store.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition on double cancel, got %v", err)
	}

	serving, err := eng.Join(ctx, "CLINIC1", "dave")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := eng.CallNext(ctx, svc.ServiceID); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if err := eng.Cancel(ctx, serving.TicketID); err != store.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition cancelling serving ticket, got %v", err)
	}

	if err := eng.Cancel(ctx, uuid.NewString()); err != store.ErrTicketNotFound {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	st := newMemStore()
	svc := seedService(st)
	eng := newTestEngine(st, notify.NewNoopSink())

	if _, err := eng.CallNext(context.Background(), svc.ServiceID); err != store.ErrEmptyQueue {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}
	if got, _ := st.GetService(context.Background(), svc.ServiceID); got.CurrentServing != 0 {
		t.Fatalf("empty call-next must not move the serving marker")
	}
}

func TestLiveRankDropsAfterCancelAhead(t *testing.T) {
	st := newMemStore()
	seedService(st)
	eng := newTestEngine(st, notify.NewNoopSink())
	ctx := context.Background()

	first, _ := eng.Join(ctx, "CLINIC1", "v1")
	second, _ := eng.Join(ctx, "CLINIC1", "v2")
	third, _ := eng.Join(ctx, "CLINIC1", "v3")

	before, err := eng.Status(ctx, third.TicketID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if before.LiveRank != 3 {
		t.Fatalf("expected rank 3, got %d", before.LiveRank)
	}

	if err := eng.Cancel(ctx, second.TicketID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	after, err := eng.Status(ctx, third.TicketID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.LiveRank != 2 {
		t.Fatalf("expected rank 2 after cancel ahead, got %d", after.LiveRank)
	}
	if got := st.ticket(t, third.TicketID); got.Position != third.Position {
		t.Fatalf("stored position must never be renumbered")
	}
	_ = first
}

func TestVisitorTicketsAcrossServices(t *testing.T) {
	st := newMemStore()
	svc := seedService(st)
	other := models.Service{
		ServiceID:  uuid.NewString(),
		Name:       "Pharmacy",
		Code:       "PHARM1",
		AvgMinutes: 5,
		Active:     true,
	}
	st.addService(other)
	eng := newTestEngine(st, notify.NewNoopSink())
	ctx := context.Background()

	one, _ := eng.Join(ctx, "CLINIC1", "erin")
	two, _ := eng.Join(ctx, "PHARM1", "erin")
	done, _ := eng.Join(ctx, "CLINIC1", "erin")
	if err := eng.Cancel(ctx, done.TicketID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	summaries, err := eng.VisitorTickets(ctx, "erin")
	if err != nil {
		t.Fatalf("visitor tickets: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 live tickets, got %d", len(summaries))
	}
	names := map[string]bool{}
	for _, summary := range summaries {
		names[summary.ServiceName] = true
		if summary.TicketID != one.TicketID && summary.TicketID != two.TicketID {
			t.Fatalf("unexpected ticket %s", summary.TicketID)
		}
	}
	if !names["Clinic"] || !names["Pharmacy"] {
		t.Fatalf("expected tickets in both services, got %v", names)
	}
	_ = svc
}

func TestVisitorRisk(t *testing.T) {
	st := newMemStore()
	seedService(st)
	eng := newTestEngine(st, notify.NewNoopSink())
	ctx := context.Background()

	risk, err := eng.VisitorRisk(ctx, "nobody")
	if err != nil {
		t.Fatalf("risk: %v", err)
	}
	if risk != 0 {
		t.Fatalf("no history should score 0, got %f", risk)
	}

	svcID := ""
	for id := range st.services {
		svcID = id
	}
	for i, status := range []string{models.StatusNoShow, models.StatusCompleted, models.StatusNoShow, models.StatusCompleted} {
		st.mu.Lock()
		id := uuid.NewString()
		st.tickets[id] = models.Ticket{
			TicketID:   id,
			ServiceID:  svcID,
			VisitorRef: "frank",
			Position:   int64(i + 1),
			Status:     status,
			JoinedAt:   time.Now().UTC(),
		}
		st.mu.Unlock()
	}

	risk, err = eng.VisitorRisk(ctx, "frank")
	if err != nil {
		t.Fatalf("risk: %v", err)
	}
	if risk != 0.5 {
		t.Fatalf("expected 0.5, got %f", risk)
	}
}

func TestJoinGeneratesGuestToken(t *testing.T) {
	st := newMemStore()
	seedService(st)
	eng := newTestEngine(st, notify.NewNoopSink())

	result, err := eng.Join(context.Background(), "CLINIC1", "  ")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !strings.HasPrefix(result.VisitorRef, "guest-") {
		t.Fatalf("expected generated guest token, got %q", result.VisitorRef)
	}
}

func TestJoinAndCallNextEmitIntents(t *testing.T) {
	st := newMemStore()
	svc := seedService(st)
	sink := newCapturedIntent()
	eng := newTestEngine(st, sink)
	ctx := context.Background()

	joined, err := eng.Join(ctx, "CLINIC1", "grace")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	intent := sink.wait(t, notify.KindJoined)
	if intent.VisitorRef != "grace" {
		t.Fatalf("joined intent for %q", intent.VisitorRef)
	}
	if intent.Payload["ticket_id"] != joined.TicketID {
		t.Fatalf("joined intent payload missing ticket id")
	}

	if _, err := eng.CallNext(ctx, svc.ServiceID); err != nil {
		t.Fatalf("call next: %v", err)
	}
	intent = sink.wait(t, notify.KindCalled)
	if intent.VisitorRef != "grace" {
		t.Fatalf("called intent for %q", intent.VisitorRef)
	}
}

func TestNotifierFailureNeverFailsJoin(t *testing.T) {
	st := newMemStore()
	seedService(st)
	eng := New(st, FixedEstimator{}, notify.NewSink(notify.Config{Provider: "fail"}, zerolog.Nop()), zerolog.Nop(), Options{})

	if _, err := eng.Join(context.Background(), "CLINIC1", "henry"); err != nil {
		t.Fatalf("join must not fail on notifier error: %v", err)
	}
}
