package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // bbolt backend.
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/keychainlabs/multiwallet/wallet"
)

const (
	// dbType is the walletdb backend used for the on-disk database.
	dbType = "bdb"

	// dbTimeout is how long to wait on the database file lock before
	// giving up on opening.
	dbTimeout = 10 * time.Second
)

var (
	// walletBucket holds singleton wallet records. Its network record
	// uses replace semantics.
	walletBucket = []byte("wallet-meta")

	// networkKey is the key of the network record inside walletBucket.
	networkKey = []byte("network")

	// descriptorBucket maps keychain ids to canonical descriptor bytes.
	// Records are insert-if-absent: the first write wins, a descriptor is
	// never overwritten.
	descriptorBucket = []byte("descriptors")

	// chainBucket maps block heights to checkpoint hashes.
	chainBucket = []byte("chain-blocks")

	// txBucket maps txids to serialized transactions.
	txBucket = []byte("txs")

	// anchorBucket maps txids to the block they were confirmed in.
	anchorBucket = []byte("tx-anchors")

	// txOutBucket maps outpoints to floating outputs.
	txOutBucket = []byte("txouts")

	// revealedBucket maps keychain ids to the highest revealed
	// derivation index. Records are max-wins.
	revealedBucket = []byte("revealed-indices")

	// bucketNames lists every top level bucket of the schema.
	bucketNames = [][]byte{
		walletBucket, descriptorBucket, chainBucket, txBucket,
		anchorBucket, txOutBucket, revealedBucket,
	}

	// Big endian is the preferred byte order, due to cursor scans over
	// integer keys iterating in order.
	byteOrder = binary.BigEndian
)

var (
	// ErrDatabase is returned when the underlying database fails.
	ErrDatabase = errors.New("database error")

	// ErrSerialization is returned when a record cannot be encoded for
	// storage.
	ErrSerialization = errors.New("serialization failed")

	// ErrDeserialization is returned when a stored record cannot be
	// decoded.
	ErrDeserialization = errors.New("deserialization failed")

	// ErrDataCorruption is returned when a stored record is structurally
	// invalid.
	ErrDataCorruption = errors.New("data corruption detected")

	// ErrFileSystem is returned when the database file cannot be
	// created or opened.
	ErrFileSystem = errors.New("file system error")
)

// Store is a transactional record store for wallet changesets, backed by a
// single bbolt database file.
type Store struct {
	db walletdb.DB
}

// A compile-time check to ensure Store satisfies the wallet.Store interface.
var _ wallet.Store = (*Store)(nil)

// Open opens the database at the given path, creating it if it does not
// exist.
func Open(dbPath string) (*Store, error) {
	var (
		db  walletdb.DB
		err error
	)
	if !fileExists(dbPath) {
		db, err = walletdb.Create(
			dbType, dbPath, true, dbTimeout, false,
		)
	} else {
		db, err = walletdb.Open(
			dbType, dbPath, true, dbTimeout, false,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileSystem, err)
	}

	log.Debugf("Opened wallet database at %v", dbPath)

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Initialize creates the schema if it is absent and returns the full
// aggregate state recorded so far, or None if the store is empty.
func (s *Store) Initialize() (fn.Option[wallet.ChangeSet], error) {
	var cs wallet.ChangeSet

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		if err := createBuckets(tx); err != nil {
			return err
		}

		return readChangeSet(tx, &cs)
	})
	if err != nil {
		return fn.None[wallet.ChangeSet](), err
	}

	if cs.IsEmpty() {
		return fn.None[wallet.ChangeSet](), nil
	}

	return fn.Some(cs), nil
}

// Persist writes the changeset inside one database transaction. Descriptor
// records are insert-if-absent, the network record uses replace semantics,
// revealed indices are max-wins, and all remaining records are idempotent
// puts of content-addressed data: re-persisting an already committed delta
// is a no-op, and a failed transaction leaves the store unchanged.
func (s *Store) Persist(cs *wallet.ChangeSet) error {
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		if err := createBuckets(tx); err != nil {
			return err
		}
		if err := writeKeyring(tx, &cs.Keyring); err != nil {
			return err
		}
		if err := writeChain(tx, &cs.Chain); err != nil {
			return err
		}
		if err := writeTxGraph(tx, &cs.TxGraph); err != nil {
			return err
		}

		return writeIndexer(tx, &cs.Indexer)
	})
	if err != nil {
		return err
	}

	log.Debugf("Persisted changeset")

	return nil
}

// createBuckets creates every top level bucket of the schema if absent.
func createBuckets(tx walletdb.ReadWriteTx) error {
	for _, name := range bucketNames {
		if _, err := tx.CreateTopLevelBucket(name); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabase, err)
		}
	}

	return nil
}

// fileExists reports whether the named file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
