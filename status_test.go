package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/financehub/syncd/internal/entity"
	"github.com/financehub/syncd/internal/state"
)

func TestBuildStatusReport(t *testing.T) {
	t.Parallel()

	intents := []*state.Intent{
		{
			TaskID:       "t-1",
			Key:          entity.NewKey(entity.TypeBank, "shinhan"),
			IntendedDate: "2026-03-10",
			IntendedTime: "06:00",
			Status:       state.StatusCompleted,
			Result:       state.ImportResult{Inserted: 12, Duplicates: 3},
			ErrorCount:   1,
		},
		{
			TaskID:       "t-2",
			Key:          entity.NewKey(entity.TypeCard, "samsung"),
			IntendedDate: "2026-03-10",
			IntendedTime: "06:10",
			Status:       state.StatusFailed,
			RetryCount:   2,
			ErrorMessage: "login failed",
		},
	}

	report := buildStatusReport("2026-03-10", 4242, intents)

	assert.Equal(t, "2026-03-10", report.Date)
	assert.Equal(t, 4242, report.DaemonPID)
	require.Len(t, report.Intents, 2)

	assert.Equal(t, "bank:shinhan", report.Intents[0].Entity)
	assert.Equal(t, "completed", report.Intents[0].Status)
	assert.Equal(t, 12, report.Intents[0].Inserted)
	assert.Equal(t, 1, report.Intents[0].RowErrors)
	assert.Empty(t, report.Intents[0].Error)

	assert.Equal(t, "card:samsung", report.Intents[1].Entity)
	assert.Equal(t, 2, report.Intents[1].Retries)
	assert.Equal(t, "login failed", report.Intents[1].Error)
}

func TestBuildStatusReport_Empty(t *testing.T) {
	t.Parallel()

	report := buildStatusReport("2026-03-10", 0, nil)
	assert.Empty(t, report.Intents)
	assert.Zero(t, report.DaemonPID)
}

func TestNewStatusCmd_Structure(t *testing.T) {
	t.Parallel()

	cmd := newStatusCmd()
	assert.Equal(t, "status", cmd.Name())
	assert.NotNil(t, cmd.Flags().Lookup("date"))
}
