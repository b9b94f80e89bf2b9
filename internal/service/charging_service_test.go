package service

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"tactcharge/internal/csms"
	"tactcharge/internal/models"
	"tactcharge/internal/registry"
	"tactcharge/internal/repository"
)

// fakeSessionStore enforces the one-active-session-per-user constraint under
// a mutex, the same guarantee the partial unique index gives in Postgres.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ChargingSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*models.ChargingSession)}
}

func (s *fakeSessionStore) CreatePreparing(_ context.Context, session *models.ChargingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.UserID == session.UserID && existing.Active() {
			return repository.ErrActiveSessionExists
		}
	}
	clone := *session
	s.sessions[session.ID] = &clone
	return nil
}

func (s *fakeSessionStore) GetByID(_ context.Context, id string) (*models.ChargingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (s *fakeSessionStore) GetActiveByUser(_ context.Context, userID string) (*models.ChargingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.UserID == userID && session.Active() {
			clone := *session
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeSessionStore) ApplyPartialUpdate(_ context.Context, id string, upd models.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	if upd.State != nil {
		session.State = *upd.State
	}
	if upd.Status != nil {
		session.Status = *upd.Status
	}
	if upd.EndTime != nil {
		session.EndTime = upd.EndTime
	}
	if upd.ErrorCode != nil {
		session.ErrorCode = *upd.ErrorCode
	}
	if upd.ErrorMessage != nil {
		session.ErrorMessage = *upd.ErrorMessage
	}
	if upd.TransactionID != nil {
		session.TransactionID = upd.TransactionID
	}
	return nil
}

func (s *fakeSessionStore) ListHistory(_ context.Context, userID string, page, pageSize int) ([]models.ChargingSession, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChargingSession
	for _, session := range s.sessions {
		if session.UserID == userID && !session.Active() {
			out = append(out, *session)
		}
	}
	return out, len(out), nil
}

func (s *fakeSessionStore) ListActiveByUser(_ context.Context, userID string) ([]models.ChargingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChargingSession
	for _, session := range s.sessions {
		if session.UserID == userID && session.Active() {
			out = append(out, *session)
		}
	}
	return out, nil
}

func (s *fakeSessionStore) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, session := range s.sessions {
		if session.Active() {
			n++
		}
	}
	return n
}

type fakeStationStore struct {
	charger  *models.Charger
	statuses map[int]string
}

func (s *fakeStationStore) FindCharger(_ context.Context, _, _ string, _ int) (*models.Charger, error) {
	return s.charger, nil
}

func (s *fakeStationStore) GetConnectorStatus(_ context.Context, connectorID int) (string, error) {
	return s.statuses[connectorID], nil
}

// fakeGateway accepts everything by default; individual results can be
// overridden per command.
type fakeGateway struct {
	mu          sync.Mutex
	registerRes *csms.CommandResult
	startRes    *csms.CommandResult
	stopRes     *csms.CommandResult
	statuses    map[int]string
	registered  []string
	removed     []string
	started     []int
	stoppedTxns []int64
}

func accepted() csms.CommandResult { return csms.CommandResult{Status: csms.CommandAccepted} }

func (g *fakeGateway) RegisterCredential(_ context.Context, tag, _ string) csms.CommandResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registered = append(g.registered, tag)
	if g.registerRes != nil {
		return *g.registerRes
	}
	return accepted()
}

func (g *fakeGateway) RemoveCredential(_ context.Context, tag string) csms.CommandResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, tag)
	return accepted()
}

func (g *fakeGateway) StartSession(_ context.Context, connectorID int, _ string) csms.CommandResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = append(g.started, connectorID)
	if g.startRes != nil {
		return *g.startRes
	}
	return accepted()
}

func (g *fakeGateway) StopSession(_ context.Context, transactionID int64) csms.CommandResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stoppedTxns = append(g.stoppedTxns, transactionID)
	if g.stopRes != nil {
		return *g.stopRes
	}
	return accepted()
}

func (g *fakeGateway) QueryPointStatus(_ context.Context) map[int]string {
	return g.statuses
}

type noopPublisher struct{}

func (noopPublisher) PublishToUser(_, _ string, _ interface{})    {}
func (noopPublisher) PublishToSession(_, _ string, _ interface{}) {}
func (noopPublisher) PublishGlobal(_ string, _ interface{})       {}

func newTestService(t *testing.T, store *fakeSessionStore, stations *fakeStationStore, gateway *fakeGateway) (*ChargingService, *registry.Memory) {
	t.Helper()
	if stations == nil {
		stations = &fakeStationStore{}
	}
	reg := registry.NewMemory()
	svc := NewChargingService(store, stations, gateway, reg, noopPublisher{}, "TACT30KW", 7.5, zaptest.NewLogger(t))
	return svc, reg
}

func TestStartChargingCreatesPreparingSession(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	gateway := &fakeGateway{}
	stations := &fakeStationStore{charger: &models.Charger{Type: "CCS2", ConnectorID: 1, PricePerKwh: 9.0}}
	svc, reg := newTestService(t, store, stations, gateway)

	session, err := svc.StartCharging(ctx, StartRequest{
		UserID:      "64f1a2b3c4d5e6f7a8b9c0d1",
		StationID:   "station-1",
		ChargerID:   "charger-1",
		ConnectorID: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	if session.State != models.StatePreparing {
		t.Fatalf("state = %s, want Preparing", session.State)
	}
	if session.Status != models.StatusActive {
		t.Fatalf("status = %s, want Active", session.Status)
	}
	if session.PricePerKwh != 9.0 {
		t.Fatalf("pricePerKwh = %v, want 9.0", session.PricePerKwh)
	}
	if session.ChargerType != "CCS2" {
		t.Fatalf("chargerType = %q", session.ChargerType)
	}
	if session.IDTag != "U2B3C4D5E6F7A8B9C0D1" {
		t.Fatalf("idTag = %q", session.IDTag)
	}

	userID, ok, err := reg.ResolveTag(ctx, session.IDTag)
	if err != nil || !ok || userID != "64f1a2b3c4d5e6f7a8b9c0d1" {
		t.Fatalf("tag not registered: %q %v %v", userID, ok, err)
	}
	if len(gateway.registered) != 1 || len(gateway.started) != 1 {
		t.Fatalf("gateway calls: registered=%v started=%v", gateway.registered, gateway.started)
	}
}

func TestStartChargingUsesDefaultPriceWithoutCharger(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeSessionStore(), nil, &fakeGateway{})

	session, err := svc.StartCharging(ctx, StartRequest{UserID: "u1", ConnectorID: 2})
	if err != nil {
		t.Fatal(err)
	}
	if session.PricePerKwh != 7.5 {
		t.Fatalf("pricePerKwh = %v, want 7.5", session.PricePerKwh)
	}
}

func TestStartChargingRejectsSecondActiveSession(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	svc, _ := newTestService(t, store, nil, &fakeGateway{})

	if _, err := svc.StartCharging(ctx, StartRequest{UserID: "u1", ConnectorID: 1}); err != nil {
		t.Fatal(err)
	}
	_, err := svc.StartCharging(ctx, StartRequest{UserID: "u1", ConnectorID: 2})
	if err != ErrActiveSessionExists {
		t.Fatalf("err = %v, want ErrActiveSessionExists", err)
	}
}

func TestStartChargingValidatesConnector(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeSessionStore(), nil, &fakeGateway{})

	for _, connector := range []int{0, 3, -1} {
		if _, err := svc.StartCharging(ctx, StartRequest{UserID: "u1", ConnectorID: connector}); err != ErrValidation {
			t.Fatalf("connector %d: err = %v, want ErrValidation", connector, err)
		}
	}
}

func TestStartChargingRollsBackOnRemoteStartReject(t *testing.T) {
	ctx := context.Background()
	rejected := csms.CommandResult{Status: csms.CommandRejected, Reason: "connector occupied"}
	gateway := &fakeGateway{startRes: &rejected}
	svc, reg := newTestService(t, newFakeSessionStore(), nil, gateway)

	_, err := svc.StartCharging(ctx, StartRequest{UserID: "64f1a2b3c4d5e6f7a8b9c0d1", ConnectorID: 1})
	if err != ErrUpstreamRejected {
		t.Fatalf("err = %v, want ErrUpstreamRejected", err)
	}

	if _, ok, _ := reg.ResolveTag(ctx, "U2B3C4D5E6F7A8B9C0D1"); ok {
		t.Fatal("tag still registered after rollback")
	}
	if len(gateway.removed) != 1 {
		t.Fatalf("credential not removed: %v", gateway.removed)
	}
}

func TestConcurrentStartsAdmitExactlyOne(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	svc, _ := newTestService(t, store, nil, &fakeGateway{})

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.StartCharging(ctx, StartRequest{UserID: "u1", ConnectorID: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes, conflicts := 0, 0
	for err := range errs {
		switch err {
		case nil:
			successes++
		case ErrActiveSessionExists:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want 1", successes)
	}
	if conflicts != attempts-1 {
		t.Fatalf("conflicts = %d, want %d", conflicts, attempts-1)
	}

	if n := store.activeCount(); n != 1 {
		t.Fatalf("active sessions = %d, want 1", n)
	}
}

func TestStopChargingCancelsPreparingLocally(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	gateway := &fakeGateway{}
	svc, reg := newTestService(t, store, nil, gateway)

	session, err := svc.StartCharging(ctx, StartRequest{UserID: "u1", ConnectorID: 1})
	if err != nil {
		t.Fatal(err)
	}

	stopped, err := svc.StopCharging(ctx, "u1", session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.State != models.StateStopped {
		t.Fatalf("state = %s, want Stopped", stopped.State)
	}
	if stopped.Status != models.StatusInactive {
		t.Fatalf("status = %s, want Inactive", stopped.Status)
	}
	if len(gateway.stoppedTxns) != 0 {
		t.Fatalf("remote stop issued for unconfirmed session: %v", gateway.stoppedTxns)
	}
	if _, ok, _ := reg.ResolveTag(ctx, session.IDTag); ok {
		t.Fatal("tag still registered after cancel")
	}
}

func TestStopChargingIssuesRemoteStopWhenCharging(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	gateway := &fakeGateway{}
	svc, _ := newTestService(t, store, nil, gateway)

	session, err := svc.StartCharging(ctx, StartRequest{UserID: "u1", ConnectorID: 1})
	if err != nil {
		t.Fatal(err)
	}
	txn := int64(77)
	state := models.StateCharging
	if err := store.ApplyPartialUpdate(ctx, session.ID, models.SessionUpdate{TransactionID: &txn, State: &state}); err != nil {
		t.Fatal(err)
	}

	pending, err := svc.StopCharging(ctx, "u1", session.ID)
	if err != nil {
		t.Fatal(err)
	}
	// The session finalizes only when the stop confirmation event arrives.
	if pending.State != models.StateCharging {
		t.Fatalf("state = %s, want Charging until confirmed", pending.State)
	}
	if len(gateway.stoppedTxns) != 1 || gateway.stoppedTxns[0] != 77 {
		t.Fatalf("remote stops = %v, want [77]", gateway.stoppedTxns)
	}
}

func TestStopChargingEnforcesOwnership(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	svc, _ := newTestService(t, store, nil, &fakeGateway{})

	session, err := svc.StartCharging(ctx, StartRequest{UserID: "u1", ConnectorID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StopCharging(ctx, "u2", session.ID); err != ErrNotOwner {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

func TestReportFaultDefaultsErrorCode(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	svc, _ := newTestService(t, store, nil, &fakeGateway{})

	session, err := svc.StartCharging(ctx, StartRequest{UserID: "u1", ConnectorID: 1})
	if err != nil {
		t.Fatal(err)
	}

	faulted, err := svc.ReportFault(ctx, "u1", session.ID, "", "plug stuck")
	if err != nil {
		t.Fatal(err)
	}
	if faulted.State != models.StateFaulted {
		t.Fatalf("state = %s, want Faulted", faulted.State)
	}
	if faulted.ErrorCode != "USER_REPORTED" {
		t.Fatalf("errorCode = %q, want USER_REPORTED", faulted.ErrorCode)
	}
	if faulted.Status != models.StatusActive {
		t.Fatalf("status = %s, want Active", faulted.Status)
	}
}

func TestGetActiveSessionNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newFakeSessionStore(), nil, &fakeGateway{})

	if _, err := svc.GetActiveSession(ctx, "nobody"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelAllClearsOnlyCallerSessions(t *testing.T) {
	ctx := context.Background()
	store := newFakeSessionStore()
	gateway := &fakeGateway{}
	svc, _ := newTestService(t, store, nil, gateway)

	s1, err := svc.StartCharging(ctx, StartRequest{UserID: "u1", ConnectorID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartCharging(ctx, StartRequest{UserID: "u2", ConnectorID: 2}); err != nil {
		t.Fatal(err)
	}
	txn := int64(5)
	if err := store.ApplyPartialUpdate(ctx, s1.ID, models.SessionUpdate{TransactionID: &txn}); err != nil {
		t.Fatal(err)
	}

	cleared, err := svc.CancelAll(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared)
	}
	if n := store.activeCount(); n != 1 {
		t.Fatalf("active sessions = %d, want u2's session untouched", n)
	}
	if len(gateway.stoppedTxns) != 1 || gateway.stoppedTxns[0] != 5 {
		t.Fatalf("remote stops = %v, want [5]", gateway.stoppedTxns)
	}
}

func TestConnectorStatusPrefersLiveThenStored(t *testing.T) {
	ctx := context.Background()
	stations := &fakeStationStore{statuses: map[int]string{1: "Charging"}}
	gateway := &fakeGateway{statuses: map[int]string{1: "Available"}}
	svc, _ := newTestService(t, newFakeSessionStore(), stations, gateway)

	status, err := svc.ConnectorStatus(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if status != "Available" {
		t.Fatalf("status = %q, want live Available", status)
	}

	gateway.statuses = nil
	status, err = svc.ConnectorStatus(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if status != "Charging" {
		t.Fatalf("status = %q, want stored Charging", status)
	}

	status, err = svc.ConnectorStatus(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if status != "Unknown" {
		t.Fatalf("status = %q, want Unknown", status)
	}

	if _, err := svc.ConnectorStatus(ctx, 9); err != ErrValidation {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
