// Package address implements C2: deterministic address derivation from a
// merchant's BIP-32 extended public key.
package address

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/bech32"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/hdkeychain/v3"
)

// addressVersionPubKey is Kaspa's version byte for a Schnorr/ECDSA
// pubkey-hash payload, per the node's address encoding.
const addressVersionPubKey = 0x00

// HDKeychainOracle implements ports.DerivationOracle over
// decred/dcrd/hdkeychain: non-hardened child public key derivation from an
// xpub, and bech32 address formatting. This is the only code in the system
// that touches BIP-32 machinery directly; everything above it treats it as
// an opaque derive/address pair. net fixes which HD version bytes an xpub is
// expected to carry; a gateway is configured for one network at a time.
type HDKeychainOracle struct {
	net *chaincfg.Params
}

// NewHDKeychainOracle creates a derivation oracle scoped to network
// ("mainnet" or "testnet").
func NewHDKeychainOracle(network string) *HDKeychainOracle {
	net := chaincfg.MainNetParams()
	if network == "testnet" {
		net = chaincfg.TestNet3Params()
	}
	return &HDKeychainOracle{net: net}
}

// DerivePublicKey derives the non-hardened child `index` of xpub (which
// already represents m/44'/111111'/0'/0 per the glossary) and returns its
// compressed secp256k1 public key bytes.
func (o *HDKeychainOracle) DerivePublicKey(xpub string, index int64) (pubKey []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("derivation oracle panicked: %v", r)
		}
	}()

	if index < 0 || index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("index %d out of non-hardened range", index)
	}

	extKey, parseErr := hdkeychain.NewKeyFromString(xpub, o.net)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing xpub: %w", parseErr)
	}
	if extKey.IsPrivate() {
		return nil, fmt.Errorf("expected an extended public key, got a private one")
	}

	child, childErr := extKey.Child(uint32(index))
	if childErr != nil {
		return nil, fmt.Errorf("deriving child %d: %w", index, childErr)
	}

	pub, pubErr := child.ECPubKey()
	if pubErr != nil {
		return nil, fmt.Errorf("extracting public key: %w", pubErr)
	}
	return pub.SerializeCompressed(), nil
}

// Address formats a compressed public key as a network-appropriate Kaspa
// bech32 address: bech32(hrp, version||pubkey-hash), hrp "kaspa" or
// "kaspatest" per network.
func (o *HDKeychainOracle) Address(pubKey []byte, network string) (string, error) {
	hash := sha256.Sum256(pubKey)

	converted, err := bech32.ConvertBits(append([]byte{addressVersionPubKey}, hash[:]...), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("converting address payload: %w", err)
	}

	hrp := kaspaHRP(network)
	encoded, err := bech32.Encode(hrp, converted)
	if err != nil {
		return "", fmt.Errorf("bech32 encoding address: %w", err)
	}
	return encoded, nil
}

func kaspaHRP(network string) string {
	if network == "testnet" {
		return "kaspatest"
	}
	return "kaspa"
}
