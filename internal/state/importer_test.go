package state

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/financehub/syncd/internal/automator"
)

var bankSpec = ImportSpec{
	Table:      "bank_transactions",
	EntityID:   "shinhan",
	KeyColumns: []string{"trans_date", "amount", "merchant"},
	Action:     DupSkip,
}

// bankRows generates n distinct transaction rows.
func bankRows(n int) []automator.Row {
	rows := make([]automator.Row, 0, n)

	for i := 0; i < n; i++ {
		rows = append(rows, automator.Row{
			"trans_date": fmt.Sprintf("2026-08-%02d", i%28+1),
			"amount":     1000 + i,
			"merchant":   fmt.Sprintf("merchant-%d", i),
			"memo":       "coffee",
		})
	}

	return rows
}

func TestImportRows_InsertThenSkipDuplicates(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	rows := bankRows(150)

	require.NoError(t, s.EnsureDupIndex(ctx, bankSpec.Table, bankSpec.KeyColumns))

	first, err := s.ImportRows(ctx, bankSpec, rows)
	require.NoError(t, err)
	assert.Equal(t, 150, first.Inserted)
	assert.Zero(t, first.Duplicates)
	assert.Empty(t, first.Errors)

	// Re-importing the identical batch with action=skip writes nothing.
	second, err := s.ImportRows(ctx, bankSpec, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 150, second.Duplicates)
	assert.Equal(t, 150, second.Skipped)

	count, err := s.CountRows(ctx, bankSpec.Table, bankSpec.EntityID)
	require.NoError(t, err)
	assert.Equal(t, 150, count)
}

func TestImportRows_UpdateOverwritesNonKeyColumns(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	spec := bankSpec
	spec.Action = DupUpdate

	rows := []automator.Row{
		{"trans_date": "2026-08-01", "amount": 5000, "merchant": "grocer", "memo": "old"},
	}

	first, err := s.ImportRows(ctx, spec, rows)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	// Same key, changed non-key value: row count must not grow.
	rows[0]["memo"] = "new"

	second, err := s.ImportRows(ctx, spec, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 1, second.Updated)
	assert.Equal(t, 1, second.Duplicates)

	count, err := s.CountRows(ctx, spec.Table, spec.EntityID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var memo string
	err = s.db.QueryRowContext(ctx,
		"SELECT memo FROM bank_transactions WHERE entity_id = ?", spec.EntityID).Scan(&memo)
	require.NoError(t, err)
	assert.Equal(t, "new", memo)
}

func TestImportRows_AllowInsertsUnconditionally(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	spec := bankSpec
	spec.Action = DupAllow

	rows := bankRows(3)

	for i := 0; i < 2; i++ {
		res, err := s.ImportRows(ctx, spec, rows)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Inserted)
	}

	count, err := s.CountRows(ctx, spec.Table, spec.EntityID)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestImportRows_NoKeyConfiguredInsertsAll(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	spec := ImportSpec{Table: "bank_transactions", EntityID: "nokey", Action: DupSkip}

	for i := 0; i < 2; i++ {
		res, err := s.ImportRows(ctx, spec, bankRows(2))
		require.NoError(t, err)
		assert.Equal(t, 2, res.Inserted)
	}

	count, err := s.CountRows(ctx, spec.Table, spec.EntityID)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestImportRows_RowErrorsDoNotAbortBatch(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	rows := []automator.Row{
		{"trans_date": "2026-08-01", "amount": 100, "merchant": "a"},
		{"trans_date": "2026-08-02", "amount": 200, "no_such_column": "x", "merchant": "b"},
		{"trans_date": "2026-08-03", "amount": 300, "merchant": "c"},
	}

	res, err := s.ImportRows(ctx, bankSpec, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "row 1")
}

func TestImportRows_EntityIsolation(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()
	rows := bankRows(5)

	specA := bankSpec
	specA.EntityID = "bank-a"
	specB := bankSpec
	specB.EntityID = "bank-b"

	_, err := s.ImportRows(ctx, specA, rows)
	require.NoError(t, err)

	// Identical rows for a different entity are not duplicates of A's.
	res, err := s.ImportRows(ctx, specB, rows)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Inserted)
	assert.Zero(t, res.Duplicates)
}

func TestImportRows_RejectsUnsafeTable(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	spec := ImportSpec{Table: "bank; DROP TABLE intents", EntityID: "x", Action: DupSkip}

	_, err := s.ImportRows(context.Background(), spec, bankRows(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid table name")
}

func TestEnsureDupIndex_Idempotent(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.EnsureDupIndex(ctx, "card_transactions", []string{"trans_date", "amount", "merchant"}))
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_card_transactions_dupkey'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestParseDupAction(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"skip", "update", "allow"} {
		got, err := ParseDupAction(raw)
		require.NoError(t, err)
		assert.Equal(t, DupAction(raw), got)
	}

	_, err := ParseDupAction("merge")
	require.Error(t, err)
}
