package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/keychainlabs/multiwallet/chainview"
	"github.com/keychainlabs/multiwallet/keyring"
	"github.com/keychainlabs/multiwallet/txgraph"
)

// Wallet tracks funds controlled by several independent keychains. It owns a
// descriptor registry, a chain view, an indexed transaction graph, and a
// stage: the aggregate changeset accumulating everything not yet persisted.
//
// A Wallet is single-writer: no operation is safe against concurrent use,
// callers must serialize mutation through one logical owner.
type Wallet struct {
	keyring *keyring.KeyRing
	chain   *chainview.ChainView
	graph   *txgraph.IndexedGraph
	stage   ChangeSet
}

// AddressInfo describes one revealed address.
type AddressInfo struct {
	Keychain keyring.ID
	Index    uint32
	Address  btcutil.Address
}

// Update is one batch of externally observed state to be absorbed
// atomically: an optional new chain tip, a transaction graph delta and the
// last active derivation index per keychain.
type Update struct {
	// Chain carries the update checkpoint blocks. Empty means no chain
	// update.
	Chain []chainview.BlockID

	// Tx carries newly observed transaction data.
	Tx txgraph.Update

	// LastActive maps keychains to the highest derivation index observed
	// in use.
	LastActive map[keyring.ID]uint32
}

// Store is the transactional record store a wallet persists its aggregate
// changeset to.
type Store interface {
	// Initialize creates the schema if absent and returns the full
	// existing aggregate state, or None if the store is empty.
	Initialize() (fn.Option[ChangeSet], error)

	// Persist writes the changeset inside one transaction. Additive
	// records use insert-if-absent, singleton fields use replace
	// semantics, so re-persisting an already committed delta is a no-op.
	Persist(cs *ChangeSet) error
}

// New constructs a fresh wallet around the given keyring. The chain view is
// seeded from the network's genesis block, the index is pre-registered with
// every descriptor, and the stage starts as a full initial snapshot: the
// registry state plus the genesis chain delta.
func New(kr *keyring.KeyRing) (*Wallet, error) {
	chain, chainDelta := chainview.FromGenesis(kr.Network())

	index := txgraph.NewKeychainIndex(txgraph.DefaultLookahead)
	if err := registerDescriptors(index, kr); err != nil {
		return nil, walletError("new", err)
	}

	w := &Wallet{
		keyring: kr,
		chain:   chain,
		graph:   txgraph.NewIndexedGraph(index),
		stage: ChangeSet{
			Keyring: kr.InitialChangeSet(),
			Chain:   chainDelta,
		},
	}

	log.Infof("Created wallet on network %v with %d keychain(s)",
		kr.Network().Name, kr.Len())

	return w, nil
}

// FromChangeSet reconstructs a wallet from a persisted aggregate changeset.
// It fails if the changeset is empty or its registry delta lacks a network.
// The stage starts empty.
func FromChangeSet(cs ChangeSet) (*Wallet, error) {
	if cs.IsEmpty() {
		return nil, walletError("from_changeset", ErrEmptyChangeSet)
	}

	kr, err := keyring.FromChangeSet(cs.Keyring)
	if err != nil {
		return nil, walletError("from_changeset", err)
	}

	chain, err := chainview.FromChangeSet(cs.Chain)
	if err != nil {
		return nil, walletError("from_changeset", err)
	}

	// The registry, not the index, is the source of truth for descriptor
	// bindings: re-register every descriptor before replaying the index
	// delta.
	index := txgraph.NewKeychainIndex(txgraph.DefaultLookahead)
	if err := registerDescriptors(index, kr); err != nil {
		return nil, walletError("from_changeset", err)
	}
	if err := index.ApplyChangeSet(cs.Indexer); err != nil {
		return nil, walletError("from_changeset", err)
	}

	graph := txgraph.NewIndexedGraph(index)
	graph.ApplyChangeSet(cs.TxGraph)

	log.Infof("Restored wallet on network %v: %d keychain(s), tip %v",
		kr.Network().Name, kr.Len(), chain.Tip())

	return &Wallet{
		keyring: kr,
		chain:   chain,
		graph:   graph,
	}, nil
}

// registerDescriptors registers every keyring descriptor with the index.
func registerDescriptors(index *txgraph.KeychainIndex,
	kr *keyring.KeyRing) error {

	for _, keychain := range kr.Keychains() {
		desc, _ := kr.Descriptor(keychain)
		inserted, err := index.InsertDescriptor(keychain, desc)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("descriptor for keychain %v "+
				"rejected by index", keychain)
		}
	}

	return nil
}

// Load reconstructs a wallet from the given store, or returns None if the
// store holds no wallet yet.
func Load(store Store) (fn.Option[*Wallet], error) {
	csOpt, err := store.Initialize()
	if err != nil {
		return fn.None[*Wallet](), walletError("load", err)
	}
	if csOpt.IsNone() {
		return fn.None[*Wallet](), nil
	}

	w, err := FromChangeSet(csOpt.UnwrapOr(ChangeSet{}))
	if err != nil {
		return fn.None[*Wallet](), err
	}

	return fn.Some(w), nil
}

// Persist commits the staged changeset to the store and clears the stage,
// returning the committed delta. If the stage is empty nothing is written
// and None is returned. A failed persist leaves the stage fully intact so
// the caller can retry.
func (w *Wallet) Persist(store Store) (fn.Option[ChangeSet], error) {
	if w.stage.IsEmpty() {
		return fn.None[ChangeSet](), nil
	}

	if err := store.Persist(&w.stage); err != nil {
		return fn.None[ChangeSet](), walletError("persist", err)
	}

	committed := w.stage
	w.stage = ChangeSet{}

	log.Debugf("Committed staged changeset")

	return fn.Some(committed), nil
}

// RevealNextAddress reveals the next unused address on the given keychain.
// Revealed indices are strictly monotonic per keychain. The resulting index
// delta is merged into the stage.
func (w *Wallet) RevealNextAddress(keychain keyring.ID) (AddressInfo, error) {
	info, err := w.revealNextAddress(keychain)
	if err != nil {
		return AddressInfo{}, walletError("reveal_next_address", err)
	}

	return info, nil
}

// revealNextAddress is RevealNextAddress without the operation wrapper, for
// callers that wrap the result under their own operation.
func (w *Wallet) revealNextAddress(keychain keyring.ID) (AddressInfo, error) {
	index, script, delta, err := w.graph.Index().RevealNextSpk(keychain)
	if err != nil {
		return AddressInfo{}, err
	}

	addr, err := addressFromScript(script, w.keyring.Network())
	if err != nil {
		return AddressInfo{}, fmt.Errorf("%w: %v",
			keyring.ErrAddressGeneration, err)
	}

	w.stageChangeSet(ChangeSet{Indexer: delta})

	log.Debugf("Revealed address %v at index %d on keychain %v",
		addr, index, keychain)

	return AddressInfo{
		Keychain: keychain,
		Index:    index,
		Address:  addr,
	}, nil
}

// ApplyUpdate absorbs an external update atomically: the chain tip is
// applied first, then derivation indices are revealed to their observed
// targets, then the transaction delta is inserted. The three partial deltas
// merge into one aggregate delta staged as a single step. A chain update
// that does not connect to recognized history fails before anything is
// staged.
func (w *Wallet) ApplyUpdate(update Update) error {
	var combined ChangeSet

	if len(update.Chain) > 0 {
		chainDelta, err := w.chain.ApplyUpdate(update.Chain)
		if err != nil {
			return walletError("apply_update", err)
		}
		combined.Merge(ChangeSet{Chain: chainDelta})
	}

	// The chain view is already advanced at this point. Revealing can
	// only fail when a target crosses the hardened derivation ceiling,
	// which no update over the supported descriptor classes produces, so
	// a failure here cannot leave the view ahead of the stage in
	// practice.
	indexDelta, err := w.graph.Index().RevealToTarget(update.LastActive)
	if err != nil {
		return walletError("apply_update", err)
	}
	combined.Merge(ChangeSet{Indexer: indexDelta})

	graphDelta := w.graph.ApplyUpdate(update.Tx)
	combined.Merge(ChangeSet{TxGraph: graphDelta})

	w.stageChangeSet(combined)

	return nil
}

// Balance computes the wallet balance from its full known outpoint set under
// the canonical view at the current tip.
func (w *Wallet) Balance() txgraph.Balance {
	return w.graph.Balance(
		w.chain, w.chain.Tip(), w.graph.Index().OutPoints(),
	)
}

// Staged returns the accumulated unpersisted changeset, or None if nothing
// is staged.
func (w *Wallet) Staged() fn.Option[*ChangeSet] {
	if w.stage.IsEmpty() {
		return fn.None[*ChangeSet]()
	}

	return fn.Some(&w.stage)
}

// stageChangeSet merges a delta into the stage.
func (w *Wallet) stageChangeSet(cs ChangeSet) {
	w.stage.Merge(cs)
}

// Keychains returns all keychain ids known to the wallet, sorted.
func (w *Wallet) Keychains() []keyring.ID {
	return w.keyring.Keychains()
}

// Network returns the network the wallet is bound to.
func (w *Wallet) Network() *chaincfg.Params {
	return w.keyring.Network()
}

// KeyRing returns the wallet's descriptor registry.
func (w *Wallet) KeyRing() *keyring.KeyRing {
	return w.keyring
}

// ChainView returns the wallet's view of the chain.
func (w *Wallet) ChainView() *chainview.ChainView {
	return w.chain
}

// Graph returns the wallet's indexed transaction graph.
func (w *Wallet) Graph() *txgraph.IndexedGraph {
	return w.graph
}

// addressFromScript converts an output script to an address on the given
// network.
func addressFromScript(script []byte,
	params *chaincfg.Params) (btcutil.Address, error) {

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return nil, err
	}
	if len(addrs) != 1 {
		return nil, fmt.Errorf("script does not have address form")
	}

	return addrs[0], nil
}
