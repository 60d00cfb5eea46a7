package reward

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHalvingAcrossEpochs(t *testing.T) {
	const base = 5_000_000_001
	prev := int64(base) + 1
	for epoch := uint64(0); epoch < 70; epoch++ {
		got := Halve(base, epoch)
		assert.GreaterOrEqual(t, got, int64(0), "epoch %d", epoch)
		assert.LessOrEqual(t, got, prev, "epoch %d must not increase", epoch)
		prev = got
	}
	assert.Equal(t, int64(base), Halve(base, 0))
	assert.Equal(t, int64(base/2), Halve(base, 1))
	assert.Equal(t, int64(base/4), Halve(base, 2))
	assert.Zero(t, Halve(base, 63))
}

func TestEpochAdvancesWithSettledRounds(t *testing.T) {
	iss, err := NewIssuer(Schedule{ParticipationReward: 100, WinnerBonus: 1000, HalvingInterval: 2}, 1_000_000)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), iss.Epoch())
	iss.CompleteRound()
	assert.Equal(t, uint64(0), iss.Epoch())
	iss.CompleteRound()
	assert.Equal(t, uint64(1), iss.Epoch())

	snap := iss.Snapshot()
	assert.Equal(t, int64(50), snap.ParticipationReward)
	assert.Equal(t, int64(500), snap.WinnerBonus)

	iss.Restore(6, nil)
	assert.Equal(t, uint64(3), iss.Epoch())
	assert.Equal(t, int64(12), iss.Snapshot().ParticipationReward)
}

func TestIssueClampsAndExhausts(t *testing.T) {
	iss, err := NewIssuer(Schedule{ParticipationReward: 40, WinnerBonus: 0, HalvingInterval: 10}, 100)
	require.NoError(t, err)

	rec, err := iss.Issue("alice", 40, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(40), rec.Amount)

	rec, err = iss.Issue("bob", 40, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(40), rec.Amount)

	rec, err = iss.Issue("carol", 40, 0)
	require.NoError(t, err, "partial issuance is not an error")
	assert.Equal(t, int64(20), rec.Amount)
	assert.Zero(t, iss.Remaining())

	rec, err = iss.Issue("dave", 40, 0)
	assert.True(t, errors.Is(err, ErrSupplyExhausted))
	assert.Zero(t, rec.Amount, "exhausted issuance still yields a zero record")
	assert.Equal(t, "dave", rec.Recipient)

	assert.Equal(t, int64(20), iss.Balance("carol"))
	assert.Zero(t, iss.Balance("dave"))
	assert.Zero(t, iss.Snapshot().ParticipationReward)
}

func TestIssueAtLaterEpoch(t *testing.T) {
	iss, err := NewIssuer(Schedule{ParticipationReward: 50, WinnerBonus: 500, HalvingInterval: 3500}, 10_000)
	require.NoError(t, err)

	rec, err := iss.Issue("alice", 500, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(125), rec.Amount)
	assert.Equal(t, int64(10_000-125), iss.Remaining())
}

func TestScheduleValidation(t *testing.T) {
	_, err := NewIssuer(Schedule{ParticipationReward: 1, HalvingInterval: 0}, 10)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = NewIssuer(Schedule{ParticipationReward: -1, HalvingInterval: 1}, 10)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = NewIssuer(Schedule{ParticipationReward: 1, HalvingInterval: 1}, -5)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestRestoreNeverTopsUpSupply(t *testing.T) {
	schedule := Schedule{ParticipationReward: 50, WinnerBonus: 500, HalvingInterval: 3500}
	first, err := NewIssuer(schedule, 1000)
	require.NoError(t, err)
	_, err = first.Issue("alice", 500, 0)
	require.NoError(t, err)
	_, err = first.Issue("bob", 50, 0)
	require.NoError(t, err)
	first.CompleteRound()

	restarted, err := NewIssuer(schedule, 1000)
	require.NoError(t, err)
	restarted.Restore(1, map[string]int64{"alice": 500, "bob": 50, "carol": 0})

	assert.Equal(t, first.Remaining(), restarted.Remaining())
	assert.Equal(t, int64(550), restarted.Minted())
	assert.Equal(t, int64(500), restarted.Balance("alice"))
	assert.Equal(t, int64(50), restarted.Balance("bob"))
	assert.Equal(t, first.Snapshot(), restarted.Snapshot())

	rec, err := restarted.Issue("carol", 500, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(450), rec.Amount, "only the unminted remainder can be issued")

	over, err := NewIssuer(schedule, 100)
	require.NoError(t, err)
	over.Restore(0, map[string]int64{"alice": 500})
	assert.Zero(t, over.Remaining())
}
