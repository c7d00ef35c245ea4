// Package wallet generates per-campaign keypairs. Key custody stays with
// the caller: the core never persists private key material in the clear,
// only the obfuscated form produced here.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"

	"github.com/multisender-app/multisender/internal/chains"
)

var ErrWrongPassphrase = errors.New("passphrase does not match the obfuscated key")

// Wallet is a freshly generated campaign keypair. PrivateKey is hex-encoded
// for account-model chains and base58-encoded for associated-account chains.
type Wallet struct {
	Family     chains.Family
	Address    string
	PrivateKey string
}

// Generate creates a keypair in the family's native encoding.
func Generate(family chains.Family) (*Wallet, error) {
	switch family {
	case chains.FamilyAccountModel:
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate keypair: %w", err)
		}
		return &Wallet{
			Family:     family,
			Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
			PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
		}, nil
	case chains.FamilyAssociatedAccount:
		w := solana.NewWallet()
		return &Wallet{
			Family:     family,
			Address:    w.PublicKey().String(),
			PrivateKey: w.PrivateKey.String(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown chain family %q", family)
	}
}

// Obfuscate masks private key material with a caller-supplied passphrase so
// it can be stored without being readable at a glance. This is keyed
// obfuscation, not encryption; operators who need real protection must keep
// the passphrase out of band.
func Obfuscate(privateKey, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("passphrase must not be empty")
	}
	masked := xorMask([]byte(privateKey), []byte(passphrase))
	// A checksum byte lets Reveal reject a wrong passphrase instead of
	// returning garbage key material.
	return hex.EncodeToString(append(masked, checksum([]byte(privateKey)))), nil
}

// Reveal reverses Obfuscate.
func Reveal(obfuscated, passphrase string) (string, error) {
	raw, err := hex.DecodeString(obfuscated)
	if err != nil {
		return "", fmt.Errorf("malformed obfuscated key: %w", err)
	}
	if len(raw) < 2 {
		return "", errors.New("malformed obfuscated key: too short")
	}
	masked, check := raw[:len(raw)-1], raw[len(raw)-1]
	plain := xorMask(masked, []byte(passphrase))
	if checksum(plain) != check {
		return "", ErrWrongPassphrase
	}
	return string(plain), nil
}

func xorMask(data, pass []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ pass[i%len(pass)]
	}
	return out
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}
