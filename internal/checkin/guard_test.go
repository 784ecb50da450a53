package checkin_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-admission/internal/checkin"
	"ms-admission/internal/checkin/evidence"
	"ms-admission/internal/config"
	"ms-admission/internal/database/dbtest"
	"ms-admission/internal/kafka"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	orderdb "ms-admission/internal/order/db"
	ticketdb "ms-admission/internal/tickets/db"
	"ms-admission/internal/tickets/qr"
)

const resetToken = "reset-secret"

var (
	scanner = models.Operator{ID: "gate-1", Role: models.RoleScanner}
	admin   = models.Operator{ID: "admin-1", Role: models.RoleAdmin}
)

type harness struct {
	guard    *checkin.Guard
	bun      *bun.DB
	signer   *qr.Signer
	events   *kafka.MemoryPublisher
	orders   *orderdb.DB
	evidence string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bunDB := dbtest.Open(t)
	log := logger.NewLoggerWithOutput(nil)
	cfg := &config.Config{
		Security: config.SecurityConfig{AllowManualEntry: true, AdminResetToken: resetToken},
		Kafka: config.KafkaConfig{Topics: config.TopicConfig{
			TicketCheckedIn: "ticketing.ticket.checked_in",
			AdminOverride:   "ticketing.admin.override",
		}},
		Evidence: config.EvidenceConfig{MaxImagesPerTicket: 4, UploadTimeout: time.Second},
	}

	dir := t.TempDir()
	store, err := evidence.NewLocalStore(dir)
	require.NoError(t, err)

	signer := qr.NewSigner("hash-key", "https://gate.example.com")
	events := &kafka.MemoryPublisher{}
	orders := &orderdb.DB{Bun: bunDB}
	guard := checkin.NewGuard(&ticketdb.DB{Bun: bunDB}, orders, signer,
		evidence.NewRecorder(store, cfg.Evidence, log), events, cfg, log)

	return &harness{guard: guard, bun: bunDB, signer: signer, events: events, orders: orders, evidence: dir}
}

func (h *harness) scan(o *models.Order, seq int, op models.Operator) checkin.ScanRequest {
	code := o.Tickets[seq-1].TicketCode
	return checkin.ScanRequest{Raw: h.signer.PayloadURL(code, o.OrderNumber), Operator: op}
}

func seed(t *testing.T, h *harness, number, orderStatus string, n int, ticketStatus string) *models.Order {
	o := dbtest.SeedOrder(t, h.bun, number, orderStatus, n, ticketStatus)
	full, err := h.orders.GetOrderWithTickets(context.Background(), number)
	require.NoError(t, err)
	o.Tickets = full.Tickets
	return o
}

func TestHappyPath_ScanThenRescan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := seed(t, h, "ORD-HP", "settlement", 2, models.TicketValid)

	d, err := h.guard.Validate(ctx, h.scan(o, 1, scanner))
	require.NoError(t, err)
	assert.Equal(t, checkin.DecisionValid, d.Type)
	assert.Equal(t, checkin.ReasonEligible, d.Reason)
	assert.Equal(t, "ORD-HP", d.OrderNumber)

	first, err := h.guard.CheckIn(ctx, h.scan(o, 1, scanner))
	require.NoError(t, err)
	assert.Equal(t, checkin.DecisionValid, first.Type)
	assert.Equal(t, checkin.ReasonCheckedIn, first.Reason)
	require.NotNil(t, first.CheckedInAt)
	assert.Equal(t, "gate-1", first.ScannedBy)

	again, err := h.guard.CheckIn(ctx, h.scan(o, 1, models.Operator{ID: "gate-2", Role: models.RoleScanner}))
	require.NoError(t, err)
	assert.Equal(t, checkin.DecisionUsed, again.Type)
	require.NotNil(t, again.CheckedInAt)
	assert.WithinDuration(t, *first.CheckedInAt, *again.CheckedInAt, time.Second)
	assert.Equal(t, "gate-1", again.ScannedBy, "the original operator is reported")

	d, err = h.guard.Validate(ctx, h.scan(o, 2, scanner))
	require.NoError(t, err)
	assert.Equal(t, checkin.DecisionValid, d.Type, "the second ticket is untouched")

	msgs := h.events.Messages("ticketing.ticket.checked_in")
	require.Len(t, msgs, 1)
	assert.Equal(t, o.Tickets[0].TicketCode, msgs[0].Key)
}

func TestValidate_RejectionReasons(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paid := seed(t, h, "ORD-RJ", "settlement", 2, models.TicketValid)
	unpaid := seed(t, h, "ORD-UNPAID", "pending", 1, models.TicketValid)
	lagging := seed(t, h, "ORD-LAG", "settlement", 1, models.TicketPending)
	code := paid.Tickets[0].TicketCode

	tests := []struct {
		name   string
		req    checkin.ScanRequest
		reason string
	}{
		{"empty scan", checkin.ScanRequest{Raw: "   ", Operator: scanner}, checkin.ReasonMalformedScan},
		{"unknown code", checkin.ScanRequest{TicketCode: "TKT-NOPE", Verify: "abc", Operator: scanner}, checkin.ReasonTicketNotFound},
		{"wrong hash", checkin.ScanRequest{TicketCode: code, Verify: "deadbeef", Operator: scanner}, checkin.ReasonInvalidSignature},
		{"hash for another order", checkin.ScanRequest{TicketCode: code, Verify: h.signer.Hash(code, "ORD-OTHER"), Operator: scanner}, checkin.ReasonInvalidSignature},
		{"bare code", checkin.ScanRequest{Raw: code, Operator: scanner}, checkin.ReasonInvalidSignature},
		{"manual entry by scanner", checkin.ScanRequest{TicketCode: code, ManualEntry: true, Operator: scanner}, checkin.ReasonManualNotAllowed},
		{"order not paid", h.scan(unpaid, 1, scanner), checkin.ReasonOrderNotPaid},
		{"ticket lagging behind order", h.scan(lagging, 1, scanner), checkin.ReasonTicketNotValid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := h.guard.Validate(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, checkin.DecisionInvalid, d.Type)
			assert.Equal(t, tt.reason, d.Reason)

			d, err = h.guard.CheckIn(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, checkin.DecisionInvalid, d.Type, "check-in repeats every validation step")
		})
	}
	assert.Empty(t, h.events.Messages(""))
}

func TestManualEntry_AdminBypassIsFlagged(t *testing.T) {
	h := newHarness(t)
	o := seed(t, h, "ORD-MAN", "settlement", 1, models.TicketValid)

	d, err := h.guard.CheckIn(context.Background(), checkin.ScanRequest{
		TicketCode:  o.Tickets[0].TicketCode,
		ManualEntry: true,
		Operator:    admin,
	})
	require.NoError(t, err)
	assert.Equal(t, checkin.DecisionValid, d.Type)
	assert.True(t, d.ManualEntry)
}

func TestCheckIn_RequiresOperator(t *testing.T) {
	h := newHarness(t)
	o := seed(t, h, "ORD-NOOP", "settlement", 1, models.TicketValid)

	req := h.scan(o, 1, models.Operator{})
	d, err := h.guard.CheckIn(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Equal(t, checkin.DecisionError, d.Type)
}

func TestCheckIn_ConcurrentScansAdmitOnce(t *testing.T) {
	h := newHarness(t)
	o := seed(t, h, "ORD-RACE", "settlement", 1, models.TicketValid)

	const scanners = 20
	decisions := make([]*checkin.Decision, scanners)
	var wg sync.WaitGroup
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := models.Operator{ID: "gate-" + string(rune('A'+i)), Role: models.RoleScanner}
			d, err := h.guard.CheckIn(context.Background(), h.scan(o, 1, op))
			assert.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	var winner *checkin.Decision
	usedCount := 0
	for _, d := range decisions {
		require.NotNil(t, d)
		switch d.Type {
		case checkin.DecisionValid:
			require.Nil(t, winner, "only one scan may be admitted")
			winner = d
		case checkin.DecisionUsed:
			usedCount++
		default:
			t.Fatalf("unexpected decision %s/%s", d.Type, d.Reason)
		}
	}
	require.NotNil(t, winner)
	assert.Equal(t, scanners-1, usedCount)
	for _, d := range decisions {
		assert.Equal(t, winner.ScannedBy, d.ScannedBy)
	}

	full, err := h.orders.GetOrderWithTickets(context.Background(), "ORD-RACE")
	require.NoError(t, err)
	assert.Equal(t, winner.ScannedBy, full.Tickets[0].ScannedBy)
	assert.Len(t, h.events.Messages("ticketing.ticket.checked_in"), 1)
}

func TestCheckIn_StoresEvidenceWithoutBlocking(t *testing.T) {
	h := newHarness(t)
	o := seed(t, h, "ORD-EV", "settlement", 1, models.TicketValid)

	req := h.scan(o, 1, scanner)
	req.Evidence = []evidence.Image{{Data: []byte("\x89PNG\r\n\x1a\n0000"), CapturedAt: time.Now()}}
	d, err := h.guard.CheckIn(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, checkin.DecisionValid, d.Type)
	assert.Equal(t, 1, d.EvidenceQueued)

	h.guard.Evidence.Wait()
	entries, err := os.ReadDir(h.evidence)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAdminResetSingle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := seed(t, h, "ORD-RST", "settlement", 1, models.TicketValid)
	pending := seed(t, h, "ORD-PND", "pending", 1, models.TicketPending)
	code := o.Tickets[0].TicketCode

	_, err := h.guard.CheckIn(ctx, h.scan(o, 1, scanner))
	require.NoError(t, err)

	_, err = h.guard.AdminResetSingle(ctx, scanner, code, resetToken, code)
	assert.ErrorIs(t, err, models.ErrForbidden, "scanners cannot reset")

	_, err = h.guard.AdminResetSingle(ctx, admin, code, "guess", code)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = h.guard.AdminResetSingle(ctx, admin, code, resetToken, "TKT-SOMETHING-ELSE")
	assert.ErrorIs(t, err, models.ErrConfirmationMismatch)

	pcode := pending.Tickets[0].TicketCode
	_, err = h.guard.AdminResetSingle(ctx, admin, pcode, resetToken, pcode)
	assert.ErrorIs(t, err, models.ErrTicketPending)

	ticket, err := h.guard.AdminResetSingle(ctx, admin, code, resetToken, code)
	require.NoError(t, err)
	assert.Equal(t, models.TicketValid, ticket.Status)
	assert.Nil(t, ticket.CheckedInAt)
	assert.Empty(t, ticket.ScannedBy)

	audits, err := h.orders.ListAudits(ctx, "ORD-RST")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.ActionTicketReset, audits[0].Action)
	assert.Contains(t, audits[0].BeforeState, `"status":"used"`)
	assert.Contains(t, audits[0].AfterState, `"status":"valid"`)
	assert.Len(t, h.events.Messages("ticketing.admin.override"), 1)

	d, err := h.guard.CheckIn(ctx, h.scan(o, 1, scanner))
	require.NoError(t, err)
	assert.Equal(t, checkin.DecisionValid, d.Type, "a reset ticket can be admitted again")
}

func TestGateStats(t *testing.T) {
	h := newHarness(t)
	seed(t, h, "ORD-ST1", "settlement", 2, models.TicketValid)
	seed(t, h, "ORD-ST2", "pending", 1, models.TicketPending)

	stats, err := h.guard.GateStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Valid)
	assert.Equal(t, 1, stats.Pending)
}
