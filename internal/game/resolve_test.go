package game

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWinningNumberStaysInRange(t *testing.T) {
	assert.Equal(t, int64(1), WinningNumber(big.NewInt(0), 1, 10_000))
	assert.Equal(t, int64(10_000), WinningNumber(big.NewInt(9_999), 1, 10_000))
	assert.Equal(t, int64(1), WinningNumber(big.NewInt(10_000), 1, 10_000))

	huge, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)
	n := WinningNumber(huge, 1, 10_000)
	assert.GreaterOrEqual(t, n, int64(1))
	assert.LessOrEqual(t, n, int64(10_000))

	assert.Equal(t, int64(7), WinningNumber(big.NewInt(12345), 7, 7))
}

func TestDevFeeFloors(t *testing.T) {
	assert.Equal(t, int64(45), DevFee(3000, 150))
	assert.Equal(t, int64(1_125_000), DevFee(75_000_000, 150))
	assert.Equal(t, int64(0), DevFee(66, 150))
	assert.Equal(t, int64(3000), DevFee(3000, 10_000))
}

func TestClosestKeepsArrivalOrder(t *testing.T) {
	guesses := []Guess{
		{Player: "a", Value: 200},
		{Player: "b", Value: 150},
		{Player: "c", Value: 100},
	}
	winners := closest(guesses, 175)
	require.Len(t, winners, 2)
	assert.Equal(t, "a", winners[0].Player)
	assert.Equal(t, "b", winners[1].Player)

	assert.Nil(t, closest(nil, 5))
}

func TestSplitConservesPot(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		players := 1 + rng.Intn(8)
		fee := int64(1 + rng.Intn(1_000_000))
		bps := int64(rng.Intn(10_001))
		pot := int64(players) * fee

		guesses := make([]Guess, players)
		for j := range guesses {
			guesses[j] = Guess{Player: string(rune('a' + j)), Value: int64(1 + rng.Intn(20)), Arrival: j}
		}
		winners := closest(guesses, int64(1+rng.Intn(20)))
		devFee := DevFee(pot, bps)
		shares := splitPot(pot, devFee, winners)

		sum := devFee
		for k, s := range shares {
			sum += s
			if k > 0 {
				assert.GreaterOrEqual(t, shares[0], s, "earliest winner takes the remainder")
				assert.LessOrEqual(t, shares[0]-s, int64(len(winners)-1))
			}
		}
		require.Equal(t, pot, sum, "iteration %d", i)
	}
}

func TestRoundSeedCommitsToGuesses(t *testing.T) {
	r := &Round{ID: 3, Players: []Guess{{Player: "a", Value: 1}, {Player: "b", Value: 2}}}
	seed := roundSeed(r, []byte("k"))
	assert.Len(t, seed, 32)
	assert.Equal(t, seed, roundSeed(r, []byte("k")))

	swapped := &Round{ID: 3, Players: []Guess{{Player: "b", Value: 2}, {Player: "a", Value: 1}}}
	assert.NotEqual(t, seed, roundSeed(swapped, []byte("k")))
	assert.NotEqual(t, seed, roundSeed(r, []byte("other")))
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	bad := DefaultParams()
	bad.DevFeeBps = 10_001
	assert.Error(t, bad.Validate())

	bad = DefaultParams()
	bad.MaxPlayers = 0
	assert.Error(t, bad.Validate())

	bad = DefaultParams()
	bad.DevAddress = " "
	assert.Error(t, bad.Validate())
}
