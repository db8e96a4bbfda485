package wallet

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/keychainlabs/multiwallet/keyring"
)

// rbfSequence is the input sequence used on all constructed inputs, low
// enough to signal replaceability.
const rbfSequence = wire.MaxTxInSequenceNum - 2

// Recipient is one requested output: an address and the amount to send to
// it.
type Recipient struct {
	Address btcutil.Address
	Amount  btcutil.Amount
}

// TxRequest is the full configuration of one transaction to construct. A
// request is a plain value: it is validated once by CreateTransaction, so
// there is no half-configured builder state to account for.
type TxRequest struct {
	// Recipients lists the requested outputs. At least one recipient is
	// required; in drain mode the first recipient's address receives the
	// drained funds.
	Recipients []Recipient

	// FeeRate is the fee rate to apply to the estimated transaction
	// size. Zero selects FeeRateFloor.
	FeeRate SatPerVByte

	// Fee, if set, overrides FeeRate with an absolute fee.
	Fee fn.Option[btcutil.Amount]

	// Keychain, if set, restricts coin selection to outputs owned by
	// this keychain.
	Keychain fn.Option[keyring.ID]

	// DrainWallet sends the entire spendable balance, minus fees, to the
	// first recipient.
	DrainWallet bool

	// IncludeUtxos lists outpoints that must be spent by the
	// transaction. They are selected ahead of all other candidates.
	IncludeUtxos []wire.OutPoint
}

// TxDetails summarizes a constructed transaction.
type TxDetails struct {
	Txid chainhash.Hash

	// Sent is the total input value contributed by the wallet.
	Sent btcutil.Amount

	// Received is always zero: self-transfer detection is a known
	// simplification this library does not perform.
	Received btcutil.Amount

	Fee btcutil.Amount
}

// candidateUTXO is one spendable output considered by coin selection. The
// set is recomputed from current wallet state on every build, never
// persisted.
type candidateUTXO struct {
	outPoint wire.OutPoint
	txOut    *wire.TxOut
	keychain keyring.ID
	index    uint32
}

// CreateTransaction selects coins and assembles an unsigned transaction
// satisfying the request, wrapped in a PSBT container. If a change output is
// needed, a fresh address is revealed on the keychain owning the first
// selected coin, which stages an index delta as a side effect of a
// successful build. Signing is out of scope: inputs carry empty signatures
// and witnesses.
func (w *Wallet) CreateTransaction(req *TxRequest) (*psbt.Packet, *TxDetails,
	error) {

	const op = "create_transaction"

	feeRate, payScripts, err := w.validateRequest(req)
	if err != nil {
		return nil, nil, walletError(op, err)
	}

	candidates := w.candidateUTXOs(req.Keychain)

	selected, total, err := selectCoins(req, candidates, feeRate)
	if err != nil {
		return nil, nil, walletError(op, err)
	}

	packet, details, err := w.assemble(
		req, feeRate, payScripts, selected, total,
	)
	if err != nil {
		return nil, nil, walletError(op, err)
	}

	log.Infof("Created unsigned tx %v: %d input(s), %d output(s), fee %v",
		details.Txid, len(selected),
		len(packet.UnsignedTx.TxOut), details.Fee)

	return packet, details, nil
}

// validateRequest checks the request before any state is touched and
// resolves recipient addresses to output scripts.
func (w *Wallet) validateRequest(req *TxRequest) (SatPerVByte, [][]byte,
	error) {

	if len(req.Recipients) == 0 {
		return 0, nil, ErrNoRecipients
	}

	feeRate := req.FeeRate
	switch {
	case feeRate < 0:
		return 0, nil, ErrFeeTooLow
	case feeRate == 0:
		feeRate = FeeRateFloor
	case feeRate > maxFeeRate:
		return 0, nil, ErrFeeTooHigh
	}

	payScripts := make([][]byte, len(req.Recipients))
	for i, recipient := range req.Recipients {
		if recipient.Address == nil {
			return 0, nil, fmt.Errorf("%w: missing address",
				ErrInvalidRecipient)
		}

		script, err := txscript.PayToAddrScript(recipient.Address)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v",
				ErrInvalidRecipient, err)
		}
		payScripts[i] = script

		// In drain mode the requested amounts are ignored, the
		// single output value is computed from the selected total.
		if req.DrainWallet {
			continue
		}

		if recipient.Amount <= 0 {
			return 0, nil, fmt.Errorf("%w: non-positive amount",
				ErrInvalidRecipient)
		}
		if txrules.IsDustOutput(
			wire.NewTxOut(int64(recipient.Amount), script),
			txrules.DefaultRelayFeePerKb,
		) {

			return 0, nil, fmt.Errorf("%w: %v to %v",
				ErrDustOutput, recipient.Amount,
				recipient.Address)
		}
	}

	return feeRate, payScripts, nil
}

// candidateUTXOs enumerates every output known to the index that is unspent
// under the canonical view at the current tip, optionally restricted to one
// keychain.
func (w *Wallet) candidateUTXOs(
	keychainFilter fn.Option[keyring.ID]) []candidateUTXO {

	tip := w.chain.Tip()

	var candidates []candidateUTXO
	for path, ops := range w.graph.Index().OutPoints() {
		keep := keychainFilter.UnwrapOr(path.Keychain)
		if keep != path.Keychain {
			continue
		}

		for _, op := range ops {
			txOut, ok := w.graph.TxOut(op)
			if !ok {
				continue
			}
			if !w.graph.IsUnspent(w.chain, tip, op) {
				continue
			}

			candidates = append(candidates, candidateUTXO{
				outPoint: op,
				txOut:    txOut,
				keychain: path.Keychain,
				index:    path.Index,
			})
		}
	}

	return candidates
}

// feeForShape computes the fee for a transaction with the given number of
// inputs and outputs, honoring an absolute fee override.
func feeForShape(req *TxRequest, feeRate SatPerVByte, inputs,
	outputs int) btcutil.Amount {

	return req.Fee.UnwrapOrFunc(func() btcutil.Amount {
		return feeRate.FeeForSize(EstimateTxSize(inputs, outputs))
	})
}

// selectCoins chooses the inputs of the transaction. Mandatory includes are
// selected first, then remaining candidates greedily, largest value first,
// until the running total covers the target plus the fee estimate for the
// shape implied by the coins selected so far. Drain mode selects everything.
func selectCoins(req *TxRequest, candidates []candidateUTXO,
	feeRate SatPerVByte) ([]candidateUTXO, btcutil.Amount, error) {

	if len(candidates) == 0 {
		return nil, 0, ErrNoUtxos
	}

	// Partition the mandatory includes out of the candidate set,
	// preserving their requested order.
	byOutPoint := make(map[wire.OutPoint]candidateUTXO, len(candidates))
	for _, candidate := range candidates {
		byOutPoint[candidate.outPoint] = candidate
	}

	var (
		selected []candidateUTXO
		total    btcutil.Amount
		chosen   = make(map[wire.OutPoint]struct{})
	)
	for _, op := range req.IncludeUtxos {
		candidate, ok := byOutPoint[op]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %v", ErrUnknownUtxo, op)
		}
		if _, ok := chosen[op]; ok {
			continue
		}
		chosen[op] = struct{}{}
		selected = append(selected, candidate)
		total += btcutil.Amount(candidate.txOut.Value)
	}

	rest := make([]candidateUTXO, 0, len(candidates))
	for _, candidate := range candidates {
		if _, ok := chosen[candidate.outPoint]; !ok {
			rest = append(rest, candidate)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		vi, vj := rest[i].txOut.Value, rest[j].txOut.Value
		if vi != vj {
			return vi > vj
		}
		return rest[i].outPoint.String() < rest[j].outPoint.String()
	})

	if req.DrainWallet {
		return append(selected, rest...), sumValues(selected, rest), nil
	}

	var target btcutil.Amount
	for _, recipient := range req.Recipients {
		target += recipient.Amount
	}

	// The estimated shape accounts for a change output on top of the
	// requested recipients.
	outputs := len(req.Recipients) + 1

	covered := func() bool {
		fee := feeForShape(req, feeRate, len(selected), outputs)
		return total >= target+fee
	}

	for _, candidate := range rest {
		if len(selected) > 0 && covered() {
			break
		}
		selected = append(selected, candidate)
		total += btcutil.Amount(candidate.txOut.Value)
	}

	if !covered() {
		fee := feeForShape(req, feeRate, len(selected), outputs)
		return nil, 0, &InsufficientFundsError{
			Required:  target + fee,
			Available: total,
		}
	}

	return selected, total, nil
}

// sumValues sums the output values of both candidate slices.
func sumValues(a, b []candidateUTXO) btcutil.Amount {
	var total btcutil.Amount
	for _, candidate := range a {
		total += btcutil.Amount(candidate.txOut.Value)
	}
	for _, candidate := range b {
		total += btcutil.Amount(candidate.txOut.Value)
	}

	return total
}

// assemble builds the unsigned transaction from the selected coins and wraps
// it in a PSBT container.
func (w *Wallet) assemble(req *TxRequest, feeRate SatPerVByte,
	payScripts [][]byte, selected []candidateUTXO,
	total btcutil.Amount) (*psbt.Packet, *TxDetails, error) {

	tx := wire.NewMsgTx(2)
	for _, coin := range selected {
		txIn := wire.NewTxIn(&coin.outPoint, nil, nil)
		txIn.Sequence = rbfSequence
		tx.AddTxIn(txIn)
	}

	var fee btcutil.Amount
	if req.DrainWallet {
		fee = feeForShape(req, feeRate, len(selected), 1)

		drained := total - fee
		if drained < DustLimit {
			return nil, nil, fmt.Errorf("%w: drained amount %v",
				ErrDustOutput, drained)
		}
		tx.AddTxOut(wire.NewTxOut(int64(drained), payScripts[0]))
	} else {
		var target btcutil.Amount
		for i, recipient := range req.Recipients {
			target += recipient.Amount
			tx.AddTxOut(wire.NewTxOut(
				int64(recipient.Amount), payScripts[i],
			))
		}

		fee = feeForShape(
			req, feeRate, len(selected), len(req.Recipients)+1,
		)

		// Leftover beyond the dust floor becomes a change output on
		// the keychain owning the first selected coin; anything
		// smaller is absorbed into the fee.
		leftover := total - target - fee
		if leftover > DustLimit {
			changeAddr, err := w.revealNextAddress(
				selected[0].keychain,
			)
			if err != nil {
				return nil, nil, err
			}
			changeScript, err := txscript.PayToAddrScript(
				changeAddr.Address,
			)
			if err != nil {
				return nil, nil, err
			}
			tx.AddTxOut(wire.NewTxOut(
				int64(leftover), changeScript,
			))

			log.Debugf("Adding change output of %v on keychain %v",
				leftover, selected[0].keychain)
		} else {
			fee = total - target
		}
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPsbtCreation, err)
	}

	return packet, &TxDetails{
		Txid: tx.TxHash(),
		Sent: total,
		Fee:  fee,
	}, nil
}
