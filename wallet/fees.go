package wallet

import "github.com/btcsuite/btcd/btcutil"

const (
	// FeeRateFloor is the minimum broadcastable fee rate and the default
	// used when a transaction request leaves the fee rate unset.
	FeeRateFloor SatPerVByte = 1

	// maxFeeRate is the sanity ceiling for requested fee rates.
	maxFeeRate SatPerVByte = 1_000

	// DustLimit is the fixed floor below which a change output is not
	// worth creating: leftover at or below this value goes to fees
	// instead.
	DustLimit = btcutil.Amount(546)

	// Per-component virtual size constants of the linear estimation
	// model: a fixed base for version and locktime, one term per input
	// approximating a single-key witness spend, and one term per output.
	txBaseSize   = 10
	txInputSize  = 148
	txOutputSize = 34
)

// SatPerVByte expresses a fee rate in satoshis per virtual byte.
type SatPerVByte int64

// FeeForSize returns the fee for a transaction of the given virtual size at
// this rate.
func (s SatPerVByte) FeeForSize(vbytes int64) btcutil.Amount {
	return btcutil.Amount(int64(s) * vbytes)
}

// EstimateTxSize estimates the virtual size of a transaction with the given
// shape. The model is deliberately simplified and not witness-exact.
func EstimateTxSize(inputs, outputs int) int64 {
	return int64(txBaseSize + inputs*txInputSize + outputs*txOutputSize)
}
