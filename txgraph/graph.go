package txgraph

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/keychainlabs/multiwallet/chainview"
)

// Update is one batch of externally observed transaction data to be absorbed
// atomically: full transactions, confirmation anchors and floating outputs.
type Update struct {
	Txs     []*wire.MsgTx
	Anchors map[chainhash.Hash]chainview.BlockID
	TxOuts  map[wire.OutPoint]*wire.TxOut
}

// Balance is the value breakdown of a set of owned outputs.
type Balance struct {
	// Confirmed is the total value of unspent outputs whose transactions
	// are anchored in the canonical chain at or below the tip.
	Confirmed btcutil.Amount

	// Unconfirmed is the total value of unspent outputs not yet anchored.
	Unconfirmed btcutil.Amount
}

// Total returns the combined confirmed and unconfirmed value.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed
}

// IndexedGraph couples a transaction graph with a keychain txout index:
// every transaction inserted into the graph has its outputs matched against
// the index so owned outpoints are tracked automatically. It is not safe for
// concurrent use.
type IndexedGraph struct {
	index *KeychainIndex

	txs     map[chainhash.Hash]*wire.MsgTx
	anchors map[chainhash.Hash]chainview.BlockID
	txouts  map[wire.OutPoint]*wire.TxOut

	// spends maps a spent outpoint to the first transaction observed
	// spending it.
	spends map[wire.OutPoint]chainhash.Hash
}

// NewIndexedGraph constructs an empty graph around the given index.
func NewIndexedGraph(index *KeychainIndex) *IndexedGraph {
	return &IndexedGraph{
		index:   index,
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
		anchors: make(map[chainhash.Hash]chainview.BlockID),
		txouts:  make(map[wire.OutPoint]*wire.TxOut),
		spends:  make(map[wire.OutPoint]chainhash.Hash),
	}
}

// Index returns the keychain txout index backing the graph.
func (g *IndexedGraph) Index() *KeychainIndex {
	return g.index
}

// ApplyUpdate absorbs a batch of observed transaction data and returns the
// delta of what was actually new. Re-applying the same update yields an empty
// delta.
func (g *IndexedGraph) ApplyUpdate(update Update) ChangeSet {
	changeset := ChangeSet{}

	for _, tx := range update.Txs {
		if added := g.insertTx(tx); added {
			if changeset.Txs == nil {
				changeset.Txs = make(
					map[chainhash.Hash]*wire.MsgTx,
				)
			}
			changeset.Txs[tx.TxHash()] = tx
		}
	}

	for txid, anchor := range update.Anchors {
		if existing, ok := g.anchors[txid]; ok && existing == anchor {
			continue
		}
		g.anchors[txid] = anchor
		if changeset.Anchors == nil {
			changeset.Anchors = make(
				map[chainhash.Hash]chainview.BlockID,
			)
		}
		changeset.Anchors[txid] = anchor
	}

	for op, txOut := range update.TxOuts {
		if _, ok := g.txouts[op]; ok {
			continue
		}
		g.txouts[op] = txOut
		g.index.indexOutPoint(op, txOut.PkScript)
		if changeset.TxOuts == nil {
			changeset.TxOuts = make(map[wire.OutPoint]*wire.TxOut)
		}
		changeset.TxOuts[op] = txOut
	}

	return changeset
}

// ApplyChangeSet replays a previously recorded graph delta, used when
// reconstructing a graph from persisted state.
func (g *IndexedGraph) ApplyChangeSet(cs ChangeSet) {
	update := Update{
		Anchors: cs.Anchors,
		TxOuts:  cs.TxOuts,
	}
	for _, tx := range cs.Txs {
		update.Txs = append(update.Txs, tx)
	}

	g.ApplyUpdate(update)
}

// insertTx adds a transaction to the graph, indexing its outputs and
// recording its spends. It reports whether the transaction was new.
func (g *IndexedGraph) insertTx(tx *wire.MsgTx) bool {
	txid := tx.TxHash()
	if _, ok := g.txs[txid]; ok {
		return false
	}
	g.txs[txid] = tx

	for _, txIn := range tx.TxIn {
		prevOut := txIn.PreviousOutPoint
		if _, ok := g.spends[prevOut]; !ok {
			g.spends[prevOut] = txid
		}
	}

	for i, txOut := range tx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		g.index.indexOutPoint(op, txOut.PkScript)
	}

	return true
}

// Tx returns the full transaction with the given txid, if known.
func (g *IndexedGraph) Tx(txid chainhash.Hash) (*wire.MsgTx, bool) {
	tx, ok := g.txs[txid]
	return tx, ok
}

// TxOut resolves an outpoint to its output, consulting both full
// transactions and floating outputs.
func (g *IndexedGraph) TxOut(op wire.OutPoint) (*wire.TxOut, bool) {
	if tx, ok := g.txs[op.Hash]; ok {
		if op.Index < uint32(len(tx.TxOut)) {
			return tx.TxOut[op.Index], true
		}
		return nil, false
	}

	txOut, ok := g.txouts[op]
	return txOut, ok
}

// Spender returns the transaction observed spending the outpoint, if any.
func (g *IndexedGraph) Spender(op wire.OutPoint) (chainhash.Hash, bool) {
	txid, ok := g.spends[op]
	return txid, ok
}

// IsUnspent reports whether the outpoint resolves to a known output with no
// observed spend under the view at the given tip.
func (g *IndexedGraph) IsUnspent(view *chainview.ChainView,
	tip chainview.BlockID, op wire.OutPoint) bool {

	if _, ok := g.TxOut(op); !ok {
		return false
	}
	if _, spent := g.spends[op]; spent {
		return false
	}

	return true
}

// isCanonical reports whether the transaction is anchored in the chain
// described by the view, at or below the given tip.
func (g *IndexedGraph) isCanonical(view *chainview.ChainView,
	tip chainview.BlockID, txid chainhash.Hash) bool {

	anchor, ok := g.anchors[txid]
	if !ok || anchor.Height > tip.Height {
		return false
	}

	hash, ok := view.BlockAt(anchor.Height)
	return ok && hash == anchor.Hash
}

// Balance computes the value breakdown of the given owned outpoints under
// the canonical view at the given tip. Spent outputs contribute nothing;
// unspent outputs are split by whether their transaction is anchored.
func (g *IndexedGraph) Balance(view *chainview.ChainView,
	tip chainview.BlockID,
	outpoints map[KeyPath][]wire.OutPoint) Balance {

	var balance Balance
	for _, ops := range outpoints {
		for _, op := range ops {
			txOut, ok := g.TxOut(op)
			if !ok {
				continue
			}
			if _, spent := g.spends[op]; spent {
				continue
			}

			value := btcutil.Amount(txOut.Value)
			if g.isCanonical(view, tip, op.Hash) {
				balance.Confirmed += value
			} else {
				balance.Unconfirmed += value
			}
		}
	}

	return balance
}
