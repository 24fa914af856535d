package mining

import (
	"encoding/hex"
	"math/big"

	"github.com/holiman/uint256"
)

// maxTarget256 is 2^256 - 1, the ceiling used to derive a difficulty target.
var maxTarget256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// target returns (2^256 - 1) / difficulty as a uint256. difficulty == 0 is
// treated as 1 to avoid division by zero.
func target(difficulty uint64) *uint256.Int {
	if difficulty == 0 {
		difficulty = 1
	}
	t := new(big.Int).Div(maxTarget256, new(big.Int).SetUint64(difficulty))
	u, _ := uint256.FromBig(t)
	return u
}

// hashMeetsTarget reports whether the hex-encoded hash, read as a big-endian
// 256-bit integer, is below target(difficulty).
func hashMeetsTarget(hash string, difficulty uint64) bool {
	raw, err := hex.DecodeString(hash)
	if err != nil || len(raw) > 32 {
		return false
	}
	var padded [32]byte
	copy(padded[32-len(raw):], raw)
	h := new(uint256.Int).SetBytes(padded[:])
	return h.Lt(target(difficulty))
}

// DifficultyConfig bounds and tunes epoch-to-epoch difficulty retargeting.
type DifficultyConfig struct {
	TargetBlockTimeSeconds int64
	MinDifficulty          uint64
	MaxDifficulty          uint64
}

// DefaultDifficultyConfig matches spec.md's default target block time.
func DefaultDifficultyConfig() DifficultyConfig {
	return DifficultyConfig{
		TargetBlockTimeSeconds: 60,
		MinDifficulty:          1,
		MaxDifficulty:          1 << 40,
	}
}

// NextDifficulty computes the difficulty for the epoch following one whose
// EpochLength blocks spanned observedSeconds wall-clock time, scaling
// proportionally to the target/observed ratio, capped at 8x up and floored
// at 1/2x down per epoch, then clamped to [Min,Max] (§4.1).
func NextDifficulty(cfg DifficultyConfig, currentDifficulty uint64, observedSeconds int64) uint64 {
	if observedSeconds <= 0 {
		observedSeconds = 1
	}
	targetSeconds := cfg.TargetBlockTimeSeconds * EpochLength

	ratioNum := new(big.Int).Mul(new(big.Int).SetUint64(currentDifficulty), big.NewInt(targetSeconds))
	next := new(big.Int).Div(ratioNum, big.NewInt(observedSeconds))

	minAllowed := new(big.Int).Div(new(big.Int).SetUint64(currentDifficulty), big.NewInt(2))
	maxAllowed := new(big.Int).Mul(new(big.Int).SetUint64(currentDifficulty), big.NewInt(8))
	if next.Cmp(minAllowed) < 0 {
		next = minAllowed
	}
	if next.Cmp(maxAllowed) > 0 {
		next = maxAllowed
	}

	result := next.Uint64()
	if result < cfg.MinDifficulty {
		result = cfg.MinDifficulty
	}
	if result > cfg.MaxDifficulty {
		result = cfg.MaxDifficulty
	}
	return result
}
