package hangup

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"leasing-telephony/internal/audit"
	"leasing-telephony/internal/availability"
	"leasing-telephony/internal/callqueue"
	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/contacts"
	"leasing-telephony/internal/events"
	"leasing-telephony/internal/party"
	"leasing-telephony/internal/routing"
	"leasing-telephony/internal/scheduler"
	"leasing-telephony/internal/telephony"
	"leasing-telephony/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	details  map[string]int
}

func newRecorder() *recorder {
	return &recorder{outcomes: map[string]int{}, details: map[string]int{}}
}

func (r *recorder) HangupOutcome(o string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o]++
}

func (r *recorder) CallDetailsResult(res string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.details[res]++
}

// hidingStore hides every leg for the first n lookups, like a record whose
// creation callback is still in flight.
type hidingStore struct {
	*calls.MemoryRepo
	mu     sync.Mutex
	hidden int
}

func (h *hidingStore) FindByMessageID(ctx context.Context, id string) ([]calls.CallRecord, error) {
	h.mu.Lock()
	if h.hidden > 0 {
		h.hidden--
		h.mu.Unlock()
		return nil, nil
	}
	h.mu.Unlock()
	return h.MemoryRepo.FindByMessageID(ctx, id)
}

// manualScheduler collects jobs until the test runs them.
type manualScheduler struct {
	mu   sync.Mutex
	jobs []manualJob
}

type manualJob struct {
	name  string
	delay time.Duration
	ctx   context.Context
	fn    scheduler.Func
}

func (m *manualScheduler) Schedule(ctx context.Context, name string, delay time.Duration, fn scheduler.Func) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, manualJob{name: name, delay: delay, ctx: ctx, fn: fn})
	return name
}

func (m *manualScheduler) runAll() {
	for {
		m.mu.Lock()
		if len(m.jobs) == 0 {
			m.mu.Unlock()
			return
		}
		j := m.jobs[0]
		m.jobs = m.jobs[1:]
		m.mu.Unlock()
		j.fn(j.ctx)
	}
}

func (m *manualScheduler) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, j := range m.jobs {
		out = append(out, j.name)
	}
	return out
}

type harness struct {
	svc *Service
	cfg Config

	calls     *calls.MemoryRepo
	store     CallStore
	details   *calls.MemoryDetailsRepo
	provider  *telephony.StaticProvider
	availSt   *availability.MemoryStore
	queue     *callqueue.MemoryStore
	parties   *party.MemoryRepo
	events    *events.MemoryRepo
	pub       *events.MemoryPublisher
	activity  *audit.MemoryRepo
	blacklist *routing.MemoryBlacklist
	programs  *routing.MemoryPrograms
	contacts  *contacts.MemoryRepo
	pending   scheduler.PendingStore
	sched     scheduler.Scheduler
	metrics   *recorder
}

type option func(*harness)

func withStore(fn func(*calls.MemoryRepo) CallStore) option {
	return func(h *harness) { h.store = fn(h.calls) }
}

func withScheduler(s scheduler.Scheduler) option { return func(h *harness) { h.sched = s } }

func withPending(p scheduler.PendingStore) option { return func(h *harness) { h.pending = p } }

func withPrograms(p ...routing.Program) option {
	return func(h *harness) { h.programs = routing.NewMemoryPrograms(p...) }
}

func withContacts(ci ...contacts.ContactInfo) option {
	return func(h *harness) { h.contacts = contacts.NewMemoryRepo(ci...) }
}

func withStrict() option { return func(h *harness) { h.cfg.StrictDisposition = true } }

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		cfg:       DefaultConfig(),
		calls:     calls.NewMemoryRepo(),
		details:   calls.NewMemoryDetailsRepo(),
		provider:  telephony.NewStaticProvider(),
		availSt:   availability.NewMemoryStore(),
		queue:     callqueue.NewMemoryStore(),
		parties:   party.NewMemoryRepo(party.Party{ID: "p1"}, party.Party{ID: "p2", UserID: "owner-2"}),
		events:    events.NewMemoryRepo(),
		pub:       events.NewMemoryPublisher(),
		activity:  audit.NewMemoryRepo(),
		blacklist: routing.NewMemoryBlacklist("+15550000000"),
		programs:  routing.NewMemoryPrograms(),
		contacts:  contacts.NewMemoryRepo(),
		sched:     &scheduler.Immediate{},
		metrics:   newRecorder(),
	}
	h.store = h.calls
	for _, o := range opts {
		o(h)
	}

	evSvc := events.NewService(h.events, h.pub)
	updater := calls.NewUpdater(h.calls, evSvc)
	partySvc := party.NewService(h.parties)

	deps := Deps{
		Calls:        h.store,
		Updater:      updater,
		Details:      h.details,
		Provider:     h.provider,
		Availability: availability.NewTracker(h.availSt, evSvc),
		Queue:        callqueue.NewHandler(h.queue, h.calls, updater, h.provider, evSvc, partySvc),
		Parties:      partySvc,
		Events:       evSvc,
		Activity:     audit.NewService(h.activity),
		Ignore:       routing.NewIgnorePolicy(h.blacklist, h.programs),
		Contacts:     contacts.NewService(h.contacts),
		Scheduler:    h.sched,
		Pending:      h.pending,
		Guard:        NewStoreGuard(h.calls),
		Metrics:      h.metrics,
		Clock:        func() time.Time { return fixedNow },
	}
	svc, err := New(h.cfg, deps)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) create(t *testing.T, rec calls.CallRecord) calls.CallRecord {
	t.Helper()
	out, err := h.calls.Create(context.Background(), rec)
	require.NoError(t, err)
	return out
}

func (h *harness) get(t *testing.T, id string) calls.CallRecord {
	t.Helper()
	rec, err := h.calls.GetByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func hangup(fields map[string]string) telephony.HangupRequest {
	return telephony.HangupRequestFromFields(fields)
}

// captureLogs returns a context whose logger writes JSON into the buffer.
func captureLogs() (context.Context, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger.With(context.Background(), l), buf
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing dependency calls")
	assert.Contains(t, err.Error(), "missing dependency scheduler")
}

func TestRespond_AlwaysAcknowledges(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, telephony.EmptyResponse(), h.svc.RespondToHangupRequest(context.Background(), telephony.HangupRequest{}))
	assert.Equal(t, telephony.EmptyResponse(), h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "nope"})))
}

func TestInboundUnansweredCallBecomesMissed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.availSt.Set(ctx, "agent-1", availability.StatusBusy)
	require.NoError(t, err)
	_, err = h.availSt.Set(ctx, "agent-2", availability.StatusBusy)
	require.NoError(t, err)

	rec := h.create(t, calls.CallRecord{
		MessageID: "abc",
		Direction: calls.DirectionIn,
		Parties:   []string{"p1", "p2"},
		Message: calls.CallMessage{
			ReceiversEndpointsByUserID: map[string][]string{"agent-1": {"sip:1"}, "agent-2": {"sip:2"}},
		},
	})

	out := h.svc.RespondToHangupRequest(ctx, hangup(map[string]string{
		"CallUUID": "abc", "HangupCause": "busy", "From": "12025550195", "To": "12025550196",
	}))
	require.Equal(t, telephony.EmptyResponse(), out)

	got := h.get(t, rec.ID)
	assert.Equal(t, map[string]string{
		"CallUUID": "abc", "HangupCause": "busy", "From": "12025550195", "To": "12025550196",
	}, got.Message.RawMessage)
	assert.True(t, got.Message.IsMissed)
	assert.True(t, got.Unread)
	assert.Equal(t, calls.MissedCallReasonFallback, got.Message.MissedCallReason)

	for _, u := range []string{"agent-1", "agent-2"} {
		st, err := h.availSt.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, availability.StatusAvailable, st, u)
	}

	missed := h.events.OfType(events.EventTypeMissedCall)
	require.Len(t, missed, 2)
	assert.ElementsMatch(t, []string{"p1", "p2"}, []string{missed[0].PartyID, missed[1].PartyID})
	assert.Len(t, h.events.OfType(events.EventTypeCommunicationCompleted), 2)
	assert.Equal(t, []string{rec.ID}, h.calls.Unread("p1"))
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeMissed])
}

func TestOnlyTheLastLegIsHandled(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, calls.CallRecord{
		MessageID: "t1", Direction: calls.DirectionIn, Parties: []string{"p1"},
		CreatedAt: fixedNow,
	})
	second := h.create(t, calls.CallRecord{
		MessageID: "t1", Direction: calls.DirectionIn, Parties: []string{"p1"}, UserID: "agent-9",
		Message:   calls.CallMessage{Answered: true},
		CreatedAt: fixedNow.Add(5 * time.Second),
	})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "t1"}))

	assert.Nil(t, h.get(t, first.ID).Message.RawMessage)
	assert.False(t, h.get(t, first.ID).Message.IsMissed)
	assert.Equal(t, "t1", h.get(t, second.ID).Message.RawMessage["CallUUID"])

	completed := h.events.OfType(events.EventTypeCommunicationCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, second.ID, completed[0].CommID)
	assert.Equal(t, "agent-9", completed[0].UserID)
	assert.Empty(t, h.events.OfType(events.EventTypeMissedCall))
}

func TestUnknownSpamCallIsIgnored(t *testing.T) {
	sched := &scheduler.Immediate{}
	h := newHarness(t, withScheduler(sched))

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{
		"CallUUID": "spam-1", "From": "+15550000000", "To": "+15551112222",
	}))

	for _, j := range sched.Ran() {
		assert.NotEqual(t, RetryKind, j.Name)
	}
	legs, err := h.calls.FindByMessageID(context.Background(), "spam-1")
	require.NoError(t, err)
	assert.Empty(t, legs)
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeIgnored])
	assert.Equal(t, 0, h.metrics.outcomes[OutcomeRetryScheduled])
}

func TestUnknownCallToInactiveProgramIsIgnored(t *testing.T) {
	h := newHarness(t, withPrograms(routing.Program{ID: "prog", Phone: "+15551112222", TargetID: "team"}))

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{
		"CallUUID": "c-1", "From": "+15553334444", "To": "+15551112222",
	}))

	assert.Equal(t, 1, h.metrics.outcomes[OutcomeIgnored])
	assert.Equal(t, 1, h.blacklist.Lookups())
	assert.Equal(t, 0, h.metrics.outcomes[OutcomeRetryScheduled])
}

func TestVeryShortUnknownCallIsDroppedSilently(t *testing.T) {
	h := newHarness(t)
	ctx, logs := captureLogs()

	h.svc.RespondToHangupRequest(ctx, hangup(map[string]string{
		"CallUUID": "short-1", "From": "+15553334444", "To": "+15551112222",
		"StartTime": "2024-05-01 12:00:00", "EndTime": "2024-05-01 12:00:01",
	}))

	assert.Equal(t, 1, h.metrics.outcomes[OutcomeRetryScheduled])
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeDroppedShortCall])
	assert.NotContains(t, logs.String(), `"level":"ERROR"`)
}

func TestLongUnknownCallIsLoggedAsError(t *testing.T) {
	h := newHarness(t)
	ctx, logs := captureLogs()

	h.svc.RespondToHangupRequest(ctx, hangup(map[string]string{
		"CallUUID": "long-1", "From": "+15553334444", "To": "+15551112222",
		"StartTime": "2024-05-01 12:00:00", "EndTime": "2024-05-01 12:01:00",
	}))

	assert.Equal(t, 1, h.metrics.outcomes[OutcomeUnresolved])
	assert.Contains(t, logs.String(), `"level":"ERROR"`)
	assert.Contains(t, logs.String(), `"message_id":"long-1"`)
}

func TestRecordCreatedBeforeRetryIsHandled(t *testing.T) {
	// Raw-message merge and the grace lookup miss; the retry finds the leg.
	h := newHarness(t, withStore(func(m *calls.MemoryRepo) CallStore {
		return &hidingStore{MemoryRepo: m, hidden: 2}
	}))
	rec := h.create(t, calls.CallRecord{
		MessageID: "late-1", Direction: calls.DirectionOut, Parties: []string{"p1"}, UserID: "agent-1",
		Message: calls.CallMessage{Answered: true},
	})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{
		"CallUUID": "late-1", "From": "+15553334444", "To": "+15551112222",
	}))

	assert.Equal(t, 1, h.metrics.outcomes[OutcomeRetryScheduled])
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeCompleted])
	assert.Equal(t, "late-1", h.get(t, rec.ID).Message.RawMessage["CallUUID"])
}

func TestTransportFieldsNeverPersisted(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{
		MessageID: "pii-1", Direction: calls.DirectionOut,
		Message: calls.CallMessage{
			Answered:   true,
			RawMessage: map[string]string{"CallStatus": "in-progress", "token": "stale"},
		},
	})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{
		"CallUUID": "pii-1", "HangupCause": "normal",
		"env": "prod", "tenant": "t1", "token": "secret", "commId": rec.ID, "partyId": "p1",
	}))

	raw := h.get(t, rec.ID).Message.RawMessage
	for _, k := range []string{"env", "tenant", "token", "commId", "partyId"} {
		assert.NotContains(t, raw, k)
	}
	assert.Equal(t, "in-progress", raw["CallStatus"])
	assert.Equal(t, "normal", raw["HangupCause"])
}

func TestInvalidProviderEndTimeFallsBack(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{MessageID: "end-1", Direction: calls.DirectionOut, Message: calls.CallMessage{Answered: true}})
	h.provider.SetCallDetails(telephony.CallDetails{CallID: "end-1", EndTime: "not-a-date"})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "end-1"}))

	d, err := h.details.GetByCommID(context.Background(), rec.ID)
	require.NoError(t, err)
	end, ok := d.Details["endTime"].(string)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339, end)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(fixedNow.Add(-h.cfg.CallDetailsDelay)), parsed)
	assert.Equal(t, 1, h.metrics.details["saved"])
}

func TestProviderEndTimeIsStored(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{MessageID: "end-2", Direction: calls.DirectionOut, Message: calls.CallMessage{Answered: true}})
	h.provider.SetCallDetails(telephony.CallDetails{CallID: "end-2", EndTime: "Wed, 01 May 2024 11:59:30 +0000"})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "end-2"}))

	d, err := h.details.GetByCommID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T11:59:30.000Z", d.Details["endTime"])
}

func TestCallDetailsNotFoundIsSkipped(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{MessageID: "gone-1", Direction: calls.DirectionOut, Message: calls.CallMessage{Answered: true}})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "gone-1"}))

	_, err := h.details.GetByCommID(context.Background(), rec.ID)
	assert.ErrorIs(t, err, calls.ErrNotFound)
	assert.Equal(t, 1, h.metrics.details["not_found"])
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeCompleted])
}

func TestUnansweredTransferTakesTransferBranch(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{
		MessageID: "xfer-1", Direction: calls.DirectionIn, Parties: []string{"p1", "p2"},
		Message: calls.CallMessage{
			TransferredToNumber:        "+15559990000",
			ReceiversEndpointsByUserID: map[string][]string{"agent-1": nil},
		},
	})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "xfer-1"}))

	got := h.get(t, rec.ID)
	assert.True(t, got.Message.IsMissed)
	assert.False(t, got.Unread)
	assert.Empty(t, got.Message.MissedCallReason)
	assert.Empty(t, h.events.OfType(events.EventTypeMissedCall))

	// p1 has no owner anywhere; p2 is owned.
	completed := h.events.OfType(events.EventTypeCommunicationCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "p2", completed[0].PartyID)
	assert.Equal(t, "owner-2", completed[0].UserID)

	st, err := h.availSt.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Empty(t, st)
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeTransferUnanswered])
	assert.Len(t, h.pub.Named(events.CommunicationUpdated), 1)
}

func TestPostDialHandledSkipsDisposition(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{
		MessageID: "pd-1", Direction: calls.DirectionIn, Parties: []string{"p1"}, UserID: "agent-1",
		Message: calls.CallMessage{PostDialHandled: true},
	})
	h.provider.SetCallDetails(telephony.CallDetails{CallID: "pd-1", EndTime: "2024-05-01T11:59:00Z"})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "pd-1"}))

	got := h.get(t, rec.ID)
	assert.Equal(t, "pd-1", got.Message.RawMessage["CallUUID"])
	assert.False(t, got.Message.IsMissed)
	assert.Empty(t, h.events.Events())
	assert.Equal(t, 0, h.availSt.Writes())
	assert.Len(t, h.activity.ForParty("p1"), 1)

	_, err := h.details.GetByCommID(context.Background(), rec.ID)
	assert.NoError(t, err)
}

func TestDuplicateDeliveriesWithPostDialHandledDisposeOnce(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{
		MessageID: "dup-1", Direction: calls.DirectionIn, Parties: []string{"p1"}, UserID: "agent-1",
	})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "dup-1"}))
	// The first disposition finished; the post-dial flag now guards the leg.
	_, err := h.calls.UpdateByID(context.Background(), rec.ID, calls.Delta{
		Message: calls.MessageDelta{PostDialHandled: calls.Bool(true)},
	})
	require.NoError(t, err)
	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "dup-1"}))

	assert.Len(t, h.events.OfType(events.EventTypeMissedCall), 1)
	assert.Len(t, h.events.OfType(events.EventTypeCommunicationCompleted), 1)
}

func TestMissedPathIsIdempotentOnRecord(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{MessageID: "m-1", Direction: calls.DirectionIn, Parties: []string{"p1"}})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "m-1"}))
	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "m-1"}))

	got := h.get(t, rec.ID)
	assert.True(t, got.Message.IsMissed)
	assert.True(t, got.Unread)
	assert.Equal(t, []string{rec.ID}, h.calls.Unread("p1"))
	// Without a guard each delivery records its own event.
	assert.Len(t, h.events.OfType(events.EventTypeMissedCall), 2)
}

func TestStrictDispositionRunsOnce(t *testing.T) {
	h := newHarness(t, withStrict())
	rec := h.create(t, calls.CallRecord{MessageID: "s-1", Direction: calls.DirectionIn, Parties: []string{"p1"}})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "s-1", "HangupCause": "a"}))
	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "s-1", "HangupCause": "b"}))

	assert.Len(t, h.events.OfType(events.EventTypeMissedCall), 1)
	assert.Len(t, h.events.OfType(events.EventTypeCommunicationCompleted), 1)
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeClaimLost])
	// The raw message is still refreshed by the losing delivery.
	assert.Equal(t, "b", h.get(t, rec.ID).Message.RawMessage["HangupCause"])
}

func TestStrictDispositionRequiresGuard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictDisposition = true
	_, err := New(cfg, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a guard")
}

func TestQueuedCallIsDelegatedToQueue(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{
		MessageID: "q-1", Direction: calls.DirectionIn, Parties: []string{"p1"},
		Message: calls.CallMessage{IsCallFromQueue: true},
	})
	require.NoError(t, h.queue.Enqueue(context.Background(), callqueue.QueuedCall{
		CommID: rec.ID, TeamID: "team-1",
		FiredCallsToAgents: map[string][]string{"agent-1": {"CA-fired"}},
	}))

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "q-1"}))

	got := h.get(t, rec.ID)
	assert.Equal(t, calls.MissedCallReasonNormalQueue, got.Message.MissedCallReason)
	assert.Equal(t, []string{"CA-fired"}, h.provider.HungUp())
	stats, err := h.queue.Stats(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, stats.HangUp)
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeQueue])
	assert.Equal(t, 0, h.metrics.outcomes[OutcomeMissed])
	assert.Len(t, h.events.OfType(events.EventTypeMissedCall), 1)
}

func TestPhoneToPhoneNotifiesAgent(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{
		MessageID: "p2p-1", Direction: calls.DirectionOut, UserID: "agent-7",
		Message: calls.CallMessage{Answered: true},
	})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{
		"CallUUID": "p2p-1", "isPhoneToPhone": "true", "Machine": "true",
	}))

	sent := h.pub.Named(events.CallTerminated)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"agent-7"}, sent[0].Routing.Users)
	data, ok := sent[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, rec.ID, data["commId"])
	assert.Equal(t, true, data["machineDetected"])
}

func TestOutboundCallReleasesAgentWithoutMissing(t *testing.T) {
	h := newHarness(t)
	_, err := h.availSt.Set(context.Background(), "agent-1", availability.StatusBusy)
	require.NoError(t, err)
	rec := h.create(t, calls.CallRecord{
		MessageID: "out-1", Direction: calls.DirectionOut, Parties: []string{"p1"}, UserID: "agent-1",
	})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{"CallUUID": "out-1"}))

	got := h.get(t, rec.ID)
	assert.False(t, got.Message.IsMissed)
	st, err := h.availSt.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, availability.StatusAvailable, st)

	owner, err := party.NewService(h.parties).Owner(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", owner)
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeCompleted])
}

func TestContactMetadataReflectsLastCall(t *testing.T) {
	h := newHarness(t, withContacts(
		contacts.ContactInfo{ID: "ci-1", PersonID: "person-1", Value: "+15553334444"},
		contacts.ContactInfo{ID: "ci-2", PersonID: "someone-else", Value: "+15553334444"},
	))
	rec := h.create(t, calls.CallRecord{
		MessageID: "ct-1", Direction: calls.DirectionIn, Persons: []string{"person-1"}, Parties: []string{"p1"},
		CreatedAt: fixedNow,
	})

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{
		"CallUUID": "ct-1", "From": "+15553334444",
	}))

	ci, ok := h.contacts.Get("ci-1")
	require.True(t, ok)
	assert.Equal(t, contacts.LastCallMissed, ci.Metadata["lastCall"])
	assert.Equal(t, rec.CreatedAt.UTC().Format(time.RFC3339Nano), ci.Metadata["lastCallDate"])
	other, _ := h.contacts.Get("ci-2")
	assert.Empty(t, other.Metadata)
}

func TestRetryIsDurableAndRunsOnce(t *testing.T) {
	sched := &manualScheduler{}
	pending := scheduler.NewMemoryPendingStore()
	h := newHarness(t, withScheduler(sched), withPending(pending), withStore(func(m *calls.MemoryRepo) CallStore {
		return &hidingStore{MemoryRepo: m, hidden: 2}
	}))

	h.svc.RespondToHangupRequest(context.Background(), hangup(map[string]string{
		"CallUUID": "dur-1", "From": "+15553334444", "To": "+15551112222",
	}))
	// Run the grace continuation only; it persists and schedules the retry.
	require.Equal(t, []string{"hangup.after_call", "hangup.contact_metadata"}, sched.names())
	sched.mu.Lock()
	grace := sched.jobs[0]
	sched.jobs = sched.jobs[1:]
	sched.mu.Unlock()
	grace.fn(grace.ctx)

	tasks, err := pending.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, RetryKind, tasks[0].Kind)
	assert.Equal(t, "dur-1", tasks[0].Key)
	assert.True(t, tasks[0].RunAt.Equal(fixedNow.Add(h.cfg.AfterCallRetryDelay)))

	rec := h.create(t, calls.CallRecord{
		MessageID: "dur-1", Direction: calls.DirectionOut, Message: calls.CallMessage{Answered: true},
	})

	// A restarted process re-arms the retry, and the sweeper finds it as well.
	n, err := h.svc.ResumePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.svc.HandleRetryTask(context.Background(), tasks[0])
	sched.runAll()

	assert.Equal(t, 1, h.metrics.outcomes[OutcomeCompleted])
	assert.Equal(t, "dur-1", h.get(t, rec.ID).Message.RawMessage["CallUUID"])
	left, err := pending.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestHandleRetryTaskDropsGarbage(t *testing.T) {
	pending := scheduler.NewMemoryPendingStore()
	h := newHarness(t, withPending(pending))
	task := scheduler.RetryTask{ID: "bad", Kind: RetryKind, Payload: []byte("{not json")}
	require.NoError(t, pending.Put(context.Background(), task))

	h.svc.HandleRetryTask(context.Background(), task)

	left, err := pending.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)
}

type failingDetails struct{}

func (failingDetails) Save(context.Context, calls.CallDetails) (calls.CallDetails, error) {
	return calls.CallDetails{}, errors.New("db down")
}

func TestStepFailuresAreLoggedWithCallContext(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, calls.CallRecord{MessageID: "f-1", Direction: calls.DirectionOut, Parties: []string{"p1"}, Message: calls.CallMessage{Answered: true}})
	h.provider.SetCallDetails(telephony.CallDetails{CallID: "f-1", EndTime: "2024-05-01T11:59:00Z"})
	h.svc.d.Details = failingDetails{}
	ctx, logs := captureLogs()

	out := h.svc.RespondToHangupRequest(ctx, hangup(map[string]string{"CallUUID": "f-1"}))

	assert.Equal(t, telephony.EmptyResponse(), out)
	assert.Contains(t, logs.String(), `"step":"save call details"`)
	assert.Contains(t, logs.String(), `"comm_id":"`+rec.ID+`"`)
	assert.Contains(t, logs.String(), `"message_id":"f-1"`)
	var failed string
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, `"msg":"hangup step failed"`) {
			failed = line
		}
	}
	require.NotEmpty(t, failed)
	for _, key := range []string{`"message_id"`, `"comm_id"`, `"party_ids"`, `"step"`} {
		assert.Equal(t, 1, strings.Count(failed, key), "%s in %s", key, failed)
	}
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeFailed])
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeCompleted])
}

func TestCallAgentsDeduplicates(t *testing.T) {
	got := callAgents(calls.CallRecord{
		UserID: "b",
		Message: calls.CallMessage{ReceiversEndpointsByUserID: map[string][]string{
			"c": nil, "b": nil, "a": nil, "": nil,
		}},
	})
	assert.Equal(t, []string{"b", "a", "c"}, got)
}
