// Package exchange holds the narrow collaborators the live execution
// gateway depends on: request signing and outbound rate limiting.
// Credential/key management and signature derivation are explicitly out of
// scope for this engine's own logic — they live entirely behind the Signer
// interface, so the gateway never sees a private key.
package exchange

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer authenticates outbound live-mode requests. The gateway calls it
// once per request cycle and never inspects the underlying key material.
type Signer interface {
	// Address returns the signer's on-chain address, used as the order's
	// maker/signer field.
	Address() string
	// Headers returns the authentication headers for one HTTP request.
	Headers(method, path, body string) (map[string]string, error)
}

// EIP712Signer derives request signatures from an operator-supplied private
// key via EIP-712 typed-data signing, the same scheme used to prove wallet
// ownership when deriving venue API credentials.
type EIP712Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	nonce      int
}

// NewEIP712Signer parses a hex-encoded private key (with or without a 0x
// prefix) and returns a Signer bound to the given chain.
func NewEIP712Signer(privateKeyHex string, chainID int64) (*EIP712Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &EIP712Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address implements Signer.
func (s *EIP712Signer) Address() string {
	return s.address.Hex()
}

// Headers implements Signer by producing an EIP-712 signature attesting to
// this request, the same attestation scheme used for venue credential
// derivation.
func (s *EIP712Signer) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	s.nonce++

	sig, err := s.signAttestation(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"X-SIGNER-ADDRESS": s.address.Hex(),
		"X-SIGNATURE":      sig,
		"X-TIMESTAMP":      timestamp,
		"X-NONCE":          strconv.Itoa(s.nonce),
	}, nil
}

func (s *EIP712Signer) signAttestation(timestamp, method, path, body string) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"RequestAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "method", Type: "string"},
				{Name: "path", Type: "string"},
			},
		},
		PrimaryType: "RequestAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ScalperAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": timestamp,
			"method":    method,
			"path":      path,
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + common.Bytes2Hex(sig), nil
}
