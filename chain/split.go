package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SplitFunc reproduces the contract's random split: the share amount for
// claimIndex, derived from the VRF seed. The engine validates on-chain
// amounts against it; the formula is contract-defined and pluggable.
type SplitFunc func(seed string, totalAmount *big.Int, shareCount, claimIndex int) *big.Int

// DefaultSplit is the doubled-average split the reference contract uses:
// walking indexes in order, each share draws from [1, 2*remaining/sharesLeft)
// using keccak256(seed || index) as entropy, and the last share takes the
// remainder. Reproducible off-chain from (seed, index) alone by replaying
// the walk.
func DefaultSplit(seed string, totalAmount *big.Int, shareCount, claimIndex int) *big.Int {
	if shareCount <= 0 || claimIndex < 0 || claimIndex >= shareCount {
		return new(big.Int)
	}
	seedBytes := common.FromHex(seed)
	remaining := new(big.Int).Set(totalAmount)

	for k := 0; k <= claimIndex; k++ {
		sharesLeft := int64(shareCount - k)
		if sharesLeft == 1 {
			return remaining
		}

		// max = 2 * remaining / sharesLeft, floored at 1 wei
		max := new(big.Int).Mul(remaining, big.NewInt(2))
		max.Div(max, big.NewInt(sharesLeft))
		if max.Sign() <= 0 {
			max = big.NewInt(1)
		}

		entropy := crypto.Keccak256(seedBytes, big.NewInt(int64(k)).Bytes())
		amount := new(big.Int).SetBytes(entropy)
		amount.Mod(amount, max)
		if amount.Sign() == 0 {
			amount = big.NewInt(1)
		}

		if k == claimIndex {
			return amount
		}
		remaining.Sub(remaining, amount)
	}
	return new(big.Int)
}
