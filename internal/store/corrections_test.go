package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hallsync/internal/model"
)

func correction(machine string, number, diff int) model.CorrectionRow {
	return model.CorrectionRow{
		StagingRow: model.StagingRow{
			Date: "2024-01-01", Venue: "Hall", Machine: machine,
			MachineNumber: number, Diff: diff, Games: 1000, Source: "slorepo",
		},
		Notes: "entered by hand",
	}
}

func TestAddCorrections_AndLookup(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.AddCorrections(ctx, []model.CorrectionRow{
		correction("Juggler", 101, 300),
		correction("Juggler", 102, -50),
		correction("Hanahana", 201, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := st.GetMachineCorrections(ctx, "2024-01-01", "Hall", "Juggler", "slorepo")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2024-01-01_Hall_101_slorepo", got[0].ID)
	assert.True(t, got[0].Win)
	assert.False(t, got[1].Win)
	assert.Equal(t, "entered by hand", got[0].Notes)

	none, err := st.GetMachineCorrections(ctx, "2024-01-01", "Hall", "Juggler", "other")
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := st.ListCorrections(ctx, "2024-01-01", "Hall")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAddCorrections_ReplacesSameRow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.AddCorrections(ctx, []model.CorrectionRow{correction("Juggler", 101, 300)})
	require.NoError(t, err)
	_, err = st.AddCorrections(ctx, []model.CorrectionRow{correction("Juggler", 101, 400)})
	require.NoError(t, err)

	got, err := st.GetMachineCorrections(ctx, "2024-01-01", "Hall", "Juggler", "slorepo")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 400, got[0].Diff)
}

func TestAddCorrections_ResolvesFailure(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	failureID, err := st.AddFailure(ctx, model.MachineFailure{Date: "2024-01-01", Venue: "Hall", Machine: "Juggler"})
	require.NoError(t, err)

	c := correction("Juggler", 101, 300)
	c.FailureID = failureID
	_, err = st.AddCorrections(ctx, []model.CorrectionRow{c})
	require.NoError(t, err)

	resolved, err := st.ListFailures(ctx, FailureFilter{Status: model.FailureStatusResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, model.ResolvedManual, resolved[0].ResolvedMethod)
}

func TestAddCorrections_RejectsInvalid(t *testing.T) {
	st := newTestSQLiteStore(t)
	bad := correction("Juggler", 101, 0)
	bad.Date = "01/01/2024"

	_, err := st.AddCorrections(context.Background(), []model.CorrectionRow{bad})
	assert.Error(t, err)
}

func TestDeleteCorrection(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.AddCorrections(ctx, []model.CorrectionRow{correction("Juggler", 101, 1)})
	require.NoError(t, err)
	require.NoError(t, st.DeleteCorrection(ctx, "2024-01-01_Hall_101_slorepo"))

	all, err := st.ListCorrections(ctx, "2024-01-01", "Hall")
	require.NoError(t, err)
	assert.Empty(t, all)
}
