package game

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
)

// WinningNumber maps raw randomness onto [lo, hi].
func WinningNumber(value *big.Int, lo, hi int64) int64 {
	span := big.NewInt(hi - lo + 1)
	m := new(big.Int).Mod(value, span)
	return lo + m.Int64()
}

// DevFee is floor(pot * bps / 10000).
func DevFee(pot, bps int64) int64 {
	fee := new(big.Int).Mul(big.NewInt(pot), big.NewInt(bps))
	return fee.Quo(fee, big.NewInt(10_000)).Int64()
}

func distance(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// closest returns the guesses at minimum distance from winning, in arrival order.
func closest(guesses []Guess, winning int64) []Guess {
	if len(guesses) == 0 {
		return nil
	}
	best := distance(guesses[0].Value, winning)
	for _, g := range guesses[1:] {
		if d := distance(g.Value, winning); d < best {
			best = d
		}
	}
	var out []Guess
	for _, g := range guesses {
		if distance(g.Value, winning) == best {
			out = append(out, g)
		}
	}
	return out
}

// splitPot divides pot-devFee evenly among winners. The division remainder
// goes to the earliest arrival so shares plus devFee equal pot exactly.
func splitPot(pot, devFee int64, winners []Guess) []int64 {
	if len(winners) == 0 {
		return nil
	}
	prize := pot - devFee
	n := int64(len(winners))
	shares := make([]int64, len(winners))
	for i := range shares {
		shares[i] = prize / n
	}
	shares[0] += prize % n
	return shares
}

// roundSeed commits to the round id, key hash and every guess in arrival order.
func roundSeed(r *Round, keyHash []byte) []byte {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.ID)
	h.Write(buf[:])
	h.Write(keyHash)
	for _, g := range r.Players {
		binary.BigEndian.PutUint64(buf[:], uint64(len(g.Player)))
		h.Write(buf[:])
		h.Write([]byte(g.Player))
		binary.BigEndian.PutUint64(buf[:], uint64(g.Value))
		h.Write(buf[:])
	}
	return h.Sum(nil)
}
