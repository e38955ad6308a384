// Package security signs outgoing payloads so receivers can verify which
// agent produced them.
package security

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// ErrBadSignature is returned by Verify for malformed or mismatching signatures.
var ErrBadSignature = errors.New("signature does not match signer")

// Signer produces EIP-191 personal signatures over payload bytes.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a hex encoded secp256k1 key. An empty key generates an
// ephemeral one, which only lives as long as the process.
func NewSigner(hexKey string) (*Signer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if hexKey == "" {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		logrus.Warn("No signing key configured, using an ephemeral key")
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
	}

	s := &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
	logrus.WithField("signer", s.address.Hex()).Info("Payload signer initialized")
	return s, nil
}

// Address returns the address receivers verify against.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign returns the 65 byte signature of payload as 0x-prefixed hex.
func (s *Signer) Sign(payload []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(payload), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	// Wallet convention for the recovery id
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Verify checks that sigHex is a signature of payload by signer.
func Verify(payload []byte, sigHex string, signer common.Address) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return ErrBadSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(payload), sig)
	if err != nil {
		return ErrBadSignature
	}
	if crypto.PubkeyToAddress(*pub) != signer {
		return ErrBadSignature
	}
	return nil
}
