package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	flags "github.com/jessevdk/go-flags"

	"github.com/keychainlabs/multiwallet/descriptor"
	"github.com/keychainlabs/multiwallet/keyring"
	"github.com/keychainlabs/multiwallet/store"
	"github.com/keychainlabs/multiwallet/wallet"
)

// defaultDescriptor is the multipath descriptor a fresh wallet is seeded
// with when no descriptors are given on the command line. The key is the
// well known BIP-32 test vector master public key, so the demo wallet is
// watch-only.
const defaultDescriptor = "wpkh(xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1R" +
	"dap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1E" +
	"GMcet8/<0;1>/*)"

type config struct {
	DBPath string `long:"db" description:"Path to the wallet database file"`

	Network string `long:"network" description:"Bitcoin network the wallet operates on" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"simnet" choice:"signet"`

	Descriptors []string `long:"descriptor" description:"Single-path descriptor binding of the form <keychain>=<descriptor>; may be repeated"`

	Multipath []string `long:"multipath" description:"Multipath descriptor bound under content-derived keychain ids; may be repeated"`

	Reveal uint32 `long:"reveal" description:"Number of addresses to reveal per keychain"`

	Debug bool `long:"debug" description:"Enable debug logging"`
}

func main() {
	cfg := config{
		DBPath:  "multiwallet.db",
		Network: "mainnet",
		Reveal:  1,
	}
	if _, err := flags.Parse(&cfg); err != nil {
		os.Exit(1)
	}

	if err := run(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config) error {
	setupLogging(cfg.Debug)

	params, err := networkParams(cfg.Network)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	w, err := loadOrCreate(cfg, db, params)
	if err != nil {
		return err
	}

	fmt.Printf("Wallet on %v with %d keychain(s)\n",
		w.Network().Name, len(w.Keychains()))

	for _, keychain := range w.Keychains() {
		for i := uint32(0); i < cfg.Reveal; i++ {
			info, err := w.RevealNextAddress(keychain)
			if err != nil {
				return err
			}

			fmt.Printf("[%s] %d: %v\n", info.Keychain,
				info.Index, info.Address)
		}
	}

	balance := w.Balance()
	fmt.Printf("Balance: %v confirmed, %v unconfirmed\n",
		balance.Confirmed, balance.Unconfirmed)

	committed, err := w.Persist(db)
	if err != nil {
		return err
	}
	if committed.IsSome() {
		fmt.Println("Persisted staged changes")
	}

	return nil
}

// loadOrCreate restores the wallet recorded in the store, or creates a fresh
// one from the configured descriptors when the store is empty.
func loadOrCreate(cfg *config, db *store.Store,
	params *chaincfg.Params) (*wallet.Wallet, error) {

	loaded, err := wallet.Load(db)
	if err != nil {
		return nil, err
	}
	if loaded.IsSome() {
		return loaded.UnwrapOr(nil), nil
	}

	kr := keyring.New(params)
	for _, binding := range cfg.Descriptors {
		keychain, raw, ok := strings.Cut(binding, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --descriptor "+
				"binding %q, want <keychain>=<descriptor>",
				binding)
		}

		desc, err := descriptor.Parse(raw)
		if err != nil {
			return nil, err
		}
		err = kr.AddDescriptorChecked(keyring.ID(keychain), desc)
		if err != nil {
			return nil, err
		}
	}
	for _, raw := range cfg.Multipath {
		desc, err := descriptor.Parse(raw)
		if err != nil {
			return nil, err
		}
		if _, err := kr.AddMultipathDescriptorChecked(desc); err != nil {
			return nil, err
		}
	}

	if kr.IsEmpty() {
		desc, err := descriptor.Parse(defaultDescriptor)
		if err != nil {
			return nil, err
		}
		if _, err := kr.AddMultipathDescriptorChecked(desc); err != nil {
			return nil, err
		}
	}

	return wallet.New(kr)
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %v", name)
	}
}

// setupLogging wires a shared stdout backend into every package logger.
func setupLogging(debug bool) {
	backend := btclog.NewBackend(os.Stdout)

	level := btclog.LevelInfo
	if debug {
		level = btclog.LevelDebug
	}

	walletLog := backend.Logger("WLLT")
	walletLog.SetLevel(level)
	wallet.UseLogger(walletLog)

	storeLog := backend.Logger("STOR")
	storeLog.SetLevel(level)
	store.UseLogger(storeLog)
}
