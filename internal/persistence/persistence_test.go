package persistence_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"PerpClear/internal/core"
	"PerpClear/internal/event"
	"PerpClear/internal/ledger"
	"PerpClear/internal/observability"
	"PerpClear/internal/persistence"
	"PerpClear/internal/testutil"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetricsWith(prometheus.NewRegistry())
}

// depositOutput builds a self-consistent core output: a deposit envelope
// chained onto prevHash plus its balanced journal batch.
func depositOutput(t *testing.T, sequence int64, prevHash [32]byte) core.CoreOutput {
	t.Helper()

	traderID := uuid.New()
	depositID := uuid.New()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sequence) * time.Second)

	evt := &event.DepositConfirmed{
		DepositID: depositID,
		TraderID:  traderID,
		Asset:     "USDC",
		Amount:    1_000_000_000,
		Sequence:  sequence + 1,
		Timestamp: ts,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	gen := ledger.NewJournalGenerator(sequence)
	batch, err := gen.GenerateDeposit(traderID, depositID, evt.Amount, ledger.SettlementAssetID, ts.UnixMicro())
	if err != nil {
		t.Fatalf("generate deposit batch: %v", err)
	}

	return core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      event.EventTypeDepositConfirmed,
			Timestamp:      ts,
			SourceSequence: evt.SourceSequence(),
			Payload:        payload,
			StateHash:      sha256.Sum256([]byte(depositID.String())),
			PrevHash:       prevHash,
		},
		Batches: []*ledger.Batch{batch},
	}
}

func writeOutputs(t *testing.T, writer *persistence.EventLogWriter, outputs ...core.CoreOutput) {
	t.Helper()
	ctx := context.Background()

	events := make([]persistence.EventRow, 0, len(outputs))
	var journals []persistence.JournalRow
	for _, out := range outputs {
		events = append(events, persistence.EventRowFromOutput(out))
		journals = append(journals, persistence.JournalRowsFromOutput(out)...)
	}

	tx, err := writer.DB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()

	if err := writer.WriteEventBatch(ctx, tx, events); err != nil {
		t.Fatalf("write events: %v", err)
	}
	if err := writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		t.Fatalf("write journals: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestEventLogRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	writer := persistence.NewEventLogWriter(db)
	store := persistence.NewSnapshotStore(db, testMetrics(), zerolog.Nop())

	first := depositOutput(t, 0, [32]byte{})
	second := depositOutput(t, 1, first.Envelope.StateHash)
	writeOutputs(t, writer, first, second)

	envelopes, err := store.LoadEventsFrom(ctx, 0, 100)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envelopes))
	}

	got := envelopes[0]
	want := first.Envelope
	if got.Sequence != want.Sequence {
		t.Errorf("sequence = %d, want %d", got.Sequence, want.Sequence)
	}
	if got.EventType != event.EventTypeDepositConfirmed {
		t.Errorf("event type = %v, want DepositConfirmed", got.EventType)
	}
	if got.IdempotencyKey != want.IdempotencyKey {
		t.Errorf("idempotency key = %q, want %q", got.IdempotencyKey, want.IdempotencyKey)
	}
	if got.MarketID != nil {
		t.Errorf("market = %q, want nil", *got.MarketID)
	}
	if got.StateHash != want.StateHash {
		t.Errorf("state hash did not round-trip")
	}
	if got.PrevHash != want.PrevHash {
		t.Errorf("prev hash did not round-trip")
	}
	if got.SourceSequence != want.SourceSequence {
		t.Errorf("source sequence = %d, want %d", got.SourceSequence, want.SourceSequence)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}

	// jsonb does not preserve key order, so compare the decoded payload
	// rather than raw bytes.
	decoded, err := event.DecodePayload(got.EventType, got.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var original event.DepositConfirmed
	if err := json.Unmarshal(want.Payload, &original); err != nil {
		t.Fatalf("decode original payload: %v", err)
	}
	deposit, ok := decoded.(*event.DepositConfirmed)
	if !ok {
		t.Fatalf("decoded payload has type %T", decoded)
	}
	if *deposit != original {
		t.Errorf("payload = %+v, want %+v", deposit, original)
	}

	// The chain read back must still link.
	if envelopes[1].PrevHash != envelopes[0].StateHash {
		t.Error("hash chain broken after round-trip")
	}

	latest, err := store.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != 1 {
		t.Errorf("latest sequence = %d, want 1", latest)
	}
}

func TestEventLogWriteIsIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	writer := persistence.NewEventLogWriter(db)

	out := depositOutput(t, 0, [32]byte{})
	writeOutputs(t, writer, out)
	writeOutputs(t, writer, out) // Retried batch after a worker restart

	var eventCount, journalCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clearing.events`).Scan(&eventCount); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clearing.journals`).Scan(&journalCount); err != nil {
		t.Fatalf("count journals: %v", err)
	}
	if eventCount != 1 {
		t.Errorf("event count = %d, want 1", eventCount)
	}
	if journalCount != 1 {
		t.Errorf("journal count = %d, want 1", journalCount)
	}
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	writer := persistence.NewEventLogWriter(db)
	out := depositOutput(t, 0, [32]byte{})
	writeOutputs(t, writer, out)

	checker := persistence.NewPostgresIdempotencyChecker(db)

	dup, err := checker.IsDuplicate("DepositConfirmed", out.Envelope.IdempotencyKey)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("persisted key not reported as duplicate")
	}

	dup, err = checker.IsDuplicate("DepositConfirmed", uuid.New().String())
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if dup {
		t.Error("unseen key reported as duplicate")
	}

	// Same key under another type is a different event.
	dup, err = checker.IsDuplicate("WithdrawalConfirmed", out.Envelope.IdempotencyKey)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if dup {
		t.Error("key should be scoped per event type")
	}
}

func TestSnapshotVerificationGate(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := persistence.NewSnapshotStore(db, testMetrics(), zerolog.Nop())

	traderID := uuid.New()
	snap := &core.SnapshotState{
		Sequence:        41,
		StateHash:       "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0",
		JournalSequence: 7,
		Balances: []core.BalanceSnapshot{
			{Key: ledger.NewTraderAccountKey(traderID, ledger.SubTypeCollateral, ledger.SettlementAssetID), Balance: 5_000_000_000},
			{Key: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.SettlementAssetID), Balance: -5_000_000_000},
		},
		SequenceState:   map[string]int64{"deposit": 3},
		IdempotencyKeys: []string{"DepositConfirmed:" + uuid.New().String()},
	}

	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	// Unverified snapshots must be invisible to recovery.
	loaded, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if loaded != nil {
		t.Fatal("unverified snapshot returned for recovery")
	}

	if err := store.MarkVerified(ctx, snap.Sequence); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	loaded, err = store.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if loaded == nil {
		t.Fatal("verified snapshot not returned")
	}
	if loaded.Sequence != snap.Sequence {
		t.Errorf("sequence = %d, want %d", loaded.Sequence, snap.Sequence)
	}
	if loaded.StateHash != snap.StateHash {
		t.Errorf("state hash = %q, want %q", loaded.StateHash, snap.StateHash)
	}
	if loaded.JournalSequence != snap.JournalSequence {
		t.Errorf("journal sequence = %d, want %d", loaded.JournalSequence, snap.JournalSequence)
	}
	if len(loaded.Balances) != 2 {
		t.Fatalf("balances = %d entries, want 2", len(loaded.Balances))
	}
	if loaded.Balances[0].Key != snap.Balances[0].Key {
		t.Error("structured account key did not round-trip")
	}
	if loaded.Balances[0].Balance != snap.Balances[0].Balance {
		t.Errorf("balance = %d, want %d", loaded.Balances[0].Balance, snap.Balances[0].Balance)
	}

	// A newer unverified snapshot must not shadow the verified one.
	newer := &core.SnapshotState{Sequence: 55, StateHash: snap.StateHash}
	if err := store.SaveSnapshot(ctx, newer); err != nil {
		t.Fatalf("save newer snapshot: %v", err)
	}
	loaded, err = store.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if loaded == nil || loaded.Sequence != 41 {
		t.Error("recovery should keep using the last verified snapshot")
	}

	if err := store.MarkVerified(ctx, 999); err == nil {
		t.Error("verifying a missing sequence should fail")
	}
}

func TestSaveSnapshotReplacesAndResetsVerification(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := persistence.NewSnapshotStore(db, testMetrics(), zerolog.Nop())

	snap := &core.SnapshotState{Sequence: 10, StateHash: "aa"}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.MarkVerified(ctx, 10); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	// Rewriting the same sequence demotes it back to unverified.
	snap.StateHash = "bb"
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	loaded, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if loaded != nil {
		t.Error("rewritten snapshot should need verification again")
	}
}

func TestJournalRowsFromOutputFlattening(t *testing.T) {
	out := depositOutput(t, 3, [32]byte{})

	rows := persistence.JournalRowsFromOutput(out)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}

	j := out.Batches[0].Journals[0]
	row := rows[0]
	if row.JournalID != j.JournalID.String() {
		t.Errorf("journal id = %q, want %q", row.JournalID, j.JournalID.String())
	}
	if row.Sequence != out.Envelope.Sequence {
		t.Errorf("sequence = %d, want envelope sequence %d", row.Sequence, out.Envelope.Sequence)
	}
	if row.DebitAccount != j.DebitAccount.AccountPath() {
		t.Errorf("debit account = %q, want %q", row.DebitAccount, j.DebitAccount.AccountPath())
	}
	if row.Amount != j.Amount {
		t.Errorf("amount = %d, want %d", row.Amount, j.Amount)
	}
	if row.JournalType != int32(ledger.JournalTypeDeposit) {
		t.Errorf("journal type = %d, want deposit", row.JournalType)
	}
}

func TestEventRowFromOutputUsesEnvelopeFields(t *testing.T) {
	out := depositOutput(t, 5, [32]byte{1, 2, 3})

	row := persistence.EventRowFromOutput(out)
	if row.Sequence != 5 {
		t.Errorf("sequence = %d, want 5", row.Sequence)
	}
	if row.EventType != "DepositConfirmed" {
		t.Errorf("event type = %q, want DepositConfirmed", row.EventType)
	}
	if !bytes.Equal(row.StateHash, out.Envelope.StateHash[:]) {
		t.Error("state hash mismatch")
	}
	if !bytes.Equal(row.PrevHash, out.Envelope.PrevHash[:]) {
		t.Error("prev hash mismatch")
	}
	if row.MarketID != nil {
		t.Error("deposit should have no market")
	}
}
