package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// RequestMessage is the text a caller signs to authenticate one API
// request. The body is committed to by its keccak256 hash.
func RequestMessage(method, path string, timestamp int64, body []byte) []byte {
	var b strings.Builder
	b.WriteString("nftmarket request\n")
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(ethcrypto.Keccak256(body)))
	return []byte(b.String())
}

// Signer produces EIP-191 personal-message signatures over API requests.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner creates a Signer from a hex secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{key: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the signer's account.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest returns the 0x-prefixed 65-byte signature over the request,
// with v in {27, 28} as wallets produce it.
func (s *Signer) SignRequest(method, path string, timestamp int64, body []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(RequestMessage(method, path, timestamp, body)), s.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// ParseSignature decodes a hex signature into its canonical 65-byte form
// with v in {0, 1}. The 0x prefix is optional, both v conventions ({0,1} and
// {27,28}) are accepted, and signatures with s in the upper half of the
// curve order are rejected. Every encoding of one signature therefore maps
// to the same bytes.
func ParseSignature(sig string) ([]byte, error) {
	if len(sig) >= 2 && (sig[:2] == "0x" || sig[:2] == "0X") {
		sig = sig[2:]
	}
	raw, err := hex.DecodeString(sig)
	if err != nil || len(raw) != ethcrypto.SignatureLength {
		return nil, fmt.Errorf("crypto/signer: %w: malformed signature", domain.ErrBadSignature)
	}
	if raw[ethcrypto.RecoveryIDOffset] >= 27 {
		raw[ethcrypto.RecoveryIDOffset] -= 27
	}
	r := new(big.Int).SetBytes(raw[:32])
	sv := new(big.Int).SetBytes(raw[32:64])
	if !ethcrypto.ValidateSignatureValues(raw[ethcrypto.RecoveryIDOffset], r, sv, true) {
		return nil, fmt.Errorf("crypto/signer: %w: non-canonical signature", domain.ErrBadSignature)
	}
	return raw, nil
}

// RecoverRequest returns the account that produced sig over the request.
// sig is parsed with ParseSignature.
func RecoverRequest(sig, method, path string, timestamp int64, body []byte) (common.Address, error) {
	raw, err := ParseSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(RequestMessage(method, path, timestamp, body)), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: %w: %v", domain.ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyRequest checks that sig over the request was produced by want.
func VerifyRequest(want common.Address, sig, method, path string, timestamp int64, body []byte) error {
	got, err := RecoverRequest(sig, method, path, timestamp, body)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("crypto/signer: %w: signed by %s", domain.ErrBadSignature, got.Hex())
	}
	return nil
}
