package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"crypto_link/internal/domain"
	"crypto_link/internal/event"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func execution(id string, qty, price string) event.ExecutionEvent {
	return event.ExecutionEvent{
		BaseEvent: event.BaseEvent{Seq: 1, Ts: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)},
		OrderID:   "OXXX-1",
		ExecID:    id,
		Qty:       decimal.RequireFromString(qty),
		Price:     decimal.RequireFromString(price),
		Fee:       decimal.RequireFromString("0.02"),
		FeeAsset:  "USD",
		Maker:     true,
	}
}

func TestJournal_ExecutionsAreConsumedOnce(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	ev := execution("T-1", "4", "100")
	inserted, err := j.RecordExecution(ctx, "ord-1", ev, ev.Qty)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = j.RecordExecution(ctx, "ord-1", ev, ev.Qty)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate exec id must be ignored")

	seen, err := j.HasExecution(ctx, "T-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = j.HasExecution(ctx, "T-2")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = j.RecordExecution(ctx, "ord-1", execution("", "1", "1"), decimal.Zero)
	assert.Error(t, err)
}

func TestJournal_SurvivesReopen(t *testing.T) {
	j, path := openTestJournal(t)
	ctx := context.Background()

	first := execution("T-1", "4", "100")
	second := execution("T-2", "6", "110")
	second.Ts = second.Ts.Add(time.Second)
	_, err := j.RecordExecution(ctx, "ord-1", first, first.Qty)
	require.NoError(t, err)
	_, err = j.RecordExecution(ctx, "ord-1", second, decimal.RequireFromString("5"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	reopened, err := OpenJournal(path)
	require.NoError(t, err)
	defer reopened.Close()

	seen, err := reopened.HasExecution(ctx, "T-2")
	require.NoError(t, err)
	assert.True(t, seen)

	recs, err := reopened.Executions(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "T-1", recs[0].ExecID)
	assert.True(t, recs[1].Price.Equal(decimal.NewFromInt(110)))
	assert.True(t, recs[1].AppliedQty.Equal(decimal.NewFromInt(5)))
	assert.True(t, recs[1].Maker)
	assert.Equal(t, "USD", recs[1].FeeAsset)
	assert.True(t, recs[0].Ts.Equal(first.Ts))
}

func TestJournal_Transitions(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC()

	steps := []Transition{
		{OrderID: "ord-1", From: domain.StatusPending, To: domain.StatusOpen, Ts: now},
		{OrderID: "ord-1", From: domain.StatusOpen, To: domain.StatusPartial, Ts: now.Add(time.Second)},
		{OrderID: "ord-1", From: domain.StatusPartial, To: domain.StatusCancelled, Reason: "timeout", Ts: now.Add(2 * time.Second)},
		{OrderID: "ord-2", From: domain.StatusPending, To: domain.StatusRejected, Ts: now},
	}
	for _, s := range steps {
		require.NoError(t, j.RecordTransition(ctx, s))
	}

	got, err := j.Transitions(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.StatusOpen, got[0].To)
	assert.Equal(t, domain.StatusCancelled, got[2].To)
	assert.Equal(t, "timeout", got[2].Reason)
}

func TestJournal_Metadata(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	v, err := j.GetMetadata(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, j.UpsertMetadata(ctx, "last_restore", "a", 1))
	require.NoError(t, j.UpsertMetadata(ctx, "last_restore", "b", 2))

	v, err = j.GetMetadata(ctx, "last_restore")
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}
