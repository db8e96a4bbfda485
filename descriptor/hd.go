package descriptor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// scriptClass enumerates the output script templates understood by the
// parser.
type scriptClass uint8

const (
	classP2WPKH scriptClass = iota
	classP2PKH
)

// funcName returns the descriptor function name of the script class.
func (c scriptClass) funcName() string {
	switch c {
	case classP2WPKH:
		return "wpkh"
	case classP2PKH:
		return "pkh"
	default:
		return "unknown"
	}
}

// hdDescriptor is a BIP32 extended-key descriptor of the form
// wpkh(xpub/branch/*) or pkh(xpub/branch/*). A multipath descriptor encodes
// several branches at once: wpkh(xpub/<0;1>/*).
type hdDescriptor struct {
	key      *hdkeychain.ExtendedKey
	class    scriptClass
	branches []uint32
}

// A compile-time check to ensure hdDescriptor implements Descriptor.
var _ Descriptor = (*hdDescriptor)(nil)

// Parse parses a descriptor string. The supported grammar is
// FUNC(KEY/BRANCH/*) where FUNC is wpkh or pkh, KEY is a base58 BIP32
// extended key, and BRANCH is either a single non-hardened child number or a
// multipath specifier <n;m;...> naming two or more branches.
func Parse(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)

	var class scriptClass
	switch {
	case strings.HasPrefix(s, "wpkh(") && strings.HasSuffix(s, ")"):
		class = classP2WPKH
		s = s[len("wpkh(") : len(s)-1]

	case strings.HasPrefix(s, "pkh(") && strings.HasSuffix(s, ")"):
		class = classP2PKH
		s = s[len("pkh(") : len(s)-1]

	default:
		return nil, fmt.Errorf("%w: unknown script function", ErrMalformed)
	}

	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[2] != "*" {
		return nil, fmt.Errorf("%w: expected KEY/BRANCH/*", ErrMalformed)
	}

	key, err := hdkeychain.NewKeyFromString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid extended key: %v",
			ErrMalformed, err)
	}

	branches, err := parseBranches(parts[1])
	if err != nil {
		return nil, err
	}

	return &hdDescriptor{
		key:      key,
		class:    class,
		branches: branches,
	}, nil
}

// parseBranches parses the branch component of a descriptor: either a single
// child number or a <n;m;...> multipath specifier.
func parseBranches(s string) ([]uint32, error) {
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		elems := strings.Split(s[1:len(s)-1], ";")
		if len(elems) < 2 {
			return nil, fmt.Errorf("%w: multipath specifier needs "+
				"at least two branches", ErrMalformed)
		}

		branches := make([]uint32, 0, len(elems))
		seen := make(map[uint32]struct{}, len(elems))
		for _, elem := range elems {
			branch, err := parseChildNum(elem)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[branch]; ok {
				return nil, fmt.Errorf("%w: duplicate branch "+
					"%d", ErrMalformed, branch)
			}
			seen[branch] = struct{}{}
			branches = append(branches, branch)
		}

		return branches, nil
	}

	branch, err := parseChildNum(s)
	if err != nil {
		return nil, err
	}

	return []uint32{branch}, nil
}

// parseChildNum parses a non-hardened BIP32 child number.
func parseChildNum(s string) (uint32, error) {
	num, err := strconv.ParseUint(s, 10, 32)
	if err != nil || num >= hdkeychain.HardenedKeyStart {
		return 0, fmt.Errorf("%w: invalid child number %q",
			ErrMalformed, s)
	}

	return uint32(num), nil
}

// Canonical returns the canonical string encoding of the descriptor.
func (d *hdDescriptor) Canonical() string {
	var branch string
	if len(d.branches) == 1 {
		branch = strconv.FormatUint(uint64(d.branches[0]), 10)
	} else {
		elems := make([]string, len(d.branches))
		for i, b := range d.branches {
			elems[i] = strconv.FormatUint(uint64(b), 10)
		}
		branch = "<" + strings.Join(elems, ";") + ">"
	}

	return fmt.Sprintf("%s(%s/%s/*)", d.class.funcName(), d.key.String(),
		branch)
}

// IsMultipath reports whether the descriptor encodes several branches.
func (d *hdDescriptor) IsMultipath() bool {
	return len(d.branches) > 1
}

// SinglePaths decomposes the descriptor into one single-path descriptor per
// branch, in branch order. The decomposition is deterministic: identical
// descriptor text always yields the same sequence.
func (d *hdDescriptor) SinglePaths() ([]Descriptor, error) {
	if !d.IsMultipath() {
		return nil, ErrNotMultipath
	}

	paths := make([]Descriptor, len(d.branches))
	for i, branch := range d.branches {
		paths[i] = &hdDescriptor{
			key:      d.key,
			class:    d.class,
			branches: []uint32{branch},
		}
	}

	return paths, nil
}

// ScriptAt derives the output script at the given index along the
// descriptor's single branch.
func (d *hdDescriptor) ScriptAt(index uint32) ([]byte, error) {
	if d.IsMultipath() {
		return nil, ErrMultipathScript
	}
	if index >= hdkeychain.HardenedKeyStart {
		return nil, ErrDerivationLimit
	}

	branchKey, err := d.key.Derive(d.branches[0])
	if err != nil {
		return nil, mapDeriveErr(err)
	}
	childKey, err := branchKey.Derive(index)
	if err != nil {
		return nil, mapDeriveErr(err)
	}
	pubKey, err := childKey.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivationLimit, err)
	}

	pkHash := btcutil.Hash160(pubKey.SerializeCompressed())

	switch d.class {
	case classP2WPKH:
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(pkHash).
			Script()

	case classP2PKH:
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_DUP).
			AddOp(txscript.OP_HASH160).
			AddData(pkHash).
			AddOp(txscript.OP_EQUALVERIFY).
			AddOp(txscript.OP_CHECKSIG).
			Script()

	default:
		return nil, fmt.Errorf("unknown script class: %v", d.class)
	}
}

// CheckNetwork verifies the extended key is encoded for the given network.
func (d *hdDescriptor) CheckNetwork(params *chaincfg.Params) error {
	if !d.key.IsForNet(params) {
		return fmt.Errorf("%w: key is not for network %v",
			ErrNetworkIncompatible, params.Name)
	}

	return nil
}

// mapDeriveErr maps hdkeychain derivation failures onto the descriptor error
// taxonomy.
func mapDeriveErr(err error) error {
	if errors.Is(err, hdkeychain.ErrInvalidChild) ||
		errors.Is(err, hdkeychain.ErrDeriveBeyondMaxDepth) {

		return fmt.Errorf("%w: %v", ErrDerivationLimit, err)
	}

	return err
}
