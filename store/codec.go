package store

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/keychainlabs/multiwallet/chainview"
	"github.com/keychainlabs/multiwallet/descriptor"
	"github.com/keychainlabs/multiwallet/keyring"
	"github.com/keychainlabs/multiwallet/txgraph"
	"github.com/keychainlabs/multiwallet/wallet"
)

// readChangeSet decodes the full aggregate state out of the schema buckets.
func readChangeSet(tx walletdb.ReadWriteTx, cs *wallet.ChangeSet) error {
	if err := readKeyring(tx, &cs.Keyring); err != nil {
		return err
	}
	if err := readChain(tx, &cs.Chain); err != nil {
		return err
	}
	if err := readTxGraph(tx, &cs.TxGraph); err != nil {
		return err
	}

	return readIndexer(tx, &cs.Indexer)
}

func readKeyring(tx walletdb.ReadWriteTx, cs *keyring.ChangeSet) error {
	meta := tx.ReadWriteBucket(walletBucket)
	if network := meta.Get(networkKey); network != nil {
		params, err := keyring.ParamsForName(string(network))
		if err != nil {
			return fmt.Errorf("%w: unknown network %q",
				ErrDataCorruption, network)
		}
		cs.Network = params
	}

	descs := tx.ReadWriteBucket(descriptorBucket)
	return descs.ForEach(func(k, v []byte) error {
		desc, err := descriptor.Parse(string(v))
		if err != nil {
			return fmt.Errorf("%w: descriptor %x: %v",
				ErrDataCorruption, k, err)
		}

		if cs.Descriptors == nil {
			cs.Descriptors = make(
				map[keyring.ID]descriptor.Descriptor,
			)
		}
		cs.Descriptors[keyring.ID(k)] = desc

		return nil
	})
}

func readChain(tx walletdb.ReadWriteTx, cs *chainview.ChangeSet) error {
	blocks := tx.ReadWriteBucket(chainBucket)
	return blocks.ForEach(func(k, v []byte) error {
		if len(k) != 4 || len(v) != chainhash.HashSize {
			return fmt.Errorf("%w: malformed block record",
				ErrDataCorruption)
		}

		var hash chainhash.Hash
		copy(hash[:], v)

		if cs.Blocks == nil {
			cs.Blocks = make(map[int32]chainhash.Hash)
		}
		cs.Blocks[int32(byteOrder.Uint32(k))] = hash

		return nil
	})
}

func readTxGraph(tx walletdb.ReadWriteTx, cs *txgraph.ChangeSet) error {
	txs := tx.ReadWriteBucket(txBucket)
	err := txs.ForEach(func(k, v []byte) error {
		var mtx wire.MsgTx
		if err := mtx.Deserialize(bytes.NewReader(v)); err != nil {
			return fmt.Errorf("%w: tx %x: %v",
				ErrDeserialization, k, err)
		}

		if cs.Txs == nil {
			cs.Txs = make(map[chainhash.Hash]*wire.MsgTx)
		}
		cs.Txs[mtx.TxHash()] = &mtx

		return nil
	})
	if err != nil {
		return err
	}

	anchors := tx.ReadWriteBucket(anchorBucket)
	err = anchors.ForEach(func(k, v []byte) error {
		if len(k) != chainhash.HashSize ||
			len(v) != 4+chainhash.HashSize {

			return fmt.Errorf("%w: malformed anchor record",
				ErrDataCorruption)
		}

		var txid chainhash.Hash
		copy(txid[:], k)

		anchor := chainview.BlockID{
			Height: int32(byteOrder.Uint32(v[:4])),
		}
		copy(anchor.Hash[:], v[4:])

		if cs.Anchors == nil {
			cs.Anchors = make(
				map[chainhash.Hash]chainview.BlockID,
			)
		}
		cs.Anchors[txid] = anchor

		return nil
	})
	if err != nil {
		return err
	}

	txouts := tx.ReadWriteBucket(txOutBucket)
	return txouts.ForEach(func(k, v []byte) error {
		op, err := decodeOutPoint(k)
		if err != nil {
			return err
		}
		txOut, err := decodeTxOut(v)
		if err != nil {
			return err
		}

		if cs.TxOuts == nil {
			cs.TxOuts = make(map[wire.OutPoint]*wire.TxOut)
		}
		cs.TxOuts[op] = txOut

		return nil
	})
}

func readIndexer(tx walletdb.ReadWriteTx, cs *txgraph.IndexChangeSet) error {
	revealed := tx.ReadWriteBucket(revealedBucket)
	return revealed.ForEach(func(k, v []byte) error {
		if len(v) != 4 {
			return fmt.Errorf("%w: malformed revealed record",
				ErrDataCorruption)
		}

		if cs.LastRevealed == nil {
			cs.LastRevealed = make(map[keyring.ID]uint32)
		}
		cs.LastRevealed[keyring.ID(k)] = byteOrder.Uint32(v)

		return nil
	})
}

func writeKeyring(tx walletdb.ReadWriteTx, cs *keyring.ChangeSet) error {
	meta := tx.ReadWriteBucket(walletBucket)
	if cs.Network != nil {
		err := meta.Put(networkKey, []byte(cs.Network.Name))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	descs := tx.ReadWriteBucket(descriptorBucket)
	for keychain, desc := range cs.Descriptors {
		key := []byte(keychain)

		// First write wins: a keychain's descriptor is immutable
		// once recorded.
		if descs.Get(key) != nil {
			continue
		}

		err := descs.Put(key, []byte(desc.Canonical()))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	return nil
}

func writeChain(tx walletdb.ReadWriteTx, cs *chainview.ChangeSet) error {
	blocks := tx.ReadWriteBucket(chainBucket)
	for height, hash := range cs.Blocks {
		var key [4]byte
		byteOrder.PutUint32(key[:], uint32(height))

		if err := blocks.Put(key[:], hash[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	return nil
}

func writeTxGraph(tx walletdb.ReadWriteTx, cs *txgraph.ChangeSet) error {
	txs := tx.ReadWriteBucket(txBucket)
	for txid, mtx := range cs.Txs {
		if txs.Get(txid[:]) != nil {
			continue
		}

		var buf bytes.Buffer
		if err := mtx.Serialize(&buf); err != nil {
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		if err := txs.Put(txid[:], buf.Bytes()); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	anchors := tx.ReadWriteBucket(anchorBucket)
	for txid, anchor := range cs.Anchors {
		value := make([]byte, 4+chainhash.HashSize)
		byteOrder.PutUint32(value[:4], uint32(anchor.Height))
		copy(value[4:], anchor.Hash[:])

		if err := anchors.Put(txid[:], value); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	txouts := tx.ReadWriteBucket(txOutBucket)
	for op, txOut := range cs.TxOuts {
		err := txouts.Put(encodeOutPoint(op), encodeTxOut(txOut))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	return nil
}

func writeIndexer(tx walletdb.ReadWriteTx, cs *txgraph.IndexChangeSet) error {
	revealed := tx.ReadWriteBucket(revealedBucket)
	for keychain, index := range cs.LastRevealed {
		key := []byte(keychain)

		// Max-wins: a lower index than the one on record is stale.
		if existing := revealed.Get(key); existing != nil &&
			len(existing) == 4 &&
			byteOrder.Uint32(existing) >= index {

			continue
		}

		var value [4]byte
		byteOrder.PutUint32(value[:], index)

		if err := revealed.Put(key, value[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	return nil
}

// encodeOutPoint serializes an outpoint as the 32 byte txid followed by the
// big endian output index.
func encodeOutPoint(op wire.OutPoint) []byte {
	key := make([]byte, chainhash.HashSize+4)
	copy(key, op.Hash[:])
	byteOrder.PutUint32(key[chainhash.HashSize:], op.Index)

	return key
}

func decodeOutPoint(key []byte) (wire.OutPoint, error) {
	if len(key) != chainhash.HashSize+4 {
		return wire.OutPoint{}, fmt.Errorf(
			"%w: malformed outpoint key", ErrDataCorruption,
		)
	}

	var op wire.OutPoint
	copy(op.Hash[:], key[:chainhash.HashSize])
	op.Index = byteOrder.Uint32(key[chainhash.HashSize:])

	return op, nil
}

// encodeTxOut serializes an output as the big endian value followed by the
// raw pkScript.
func encodeTxOut(txOut *wire.TxOut) []byte {
	value := make([]byte, 8+len(txOut.PkScript))
	byteOrder.PutUint64(value[:8], uint64(txOut.Value))
	copy(value[8:], txOut.PkScript)

	return value
}

func decodeTxOut(value []byte) (*wire.TxOut, error) {
	if len(value) < 8 {
		return nil, fmt.Errorf(
			"%w: malformed output record", ErrDataCorruption,
		)
	}

	txOut := &wire.TxOut{
		Value: int64(byteOrder.Uint64(value[:8])),
	}
	if len(value) > 8 {
		txOut.PkScript = make([]byte, len(value)-8)
		copy(txOut.PkScript, value[8:])
	}

	return txOut, nil
}
