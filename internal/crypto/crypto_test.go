package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

func TestKeyFileRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	data, err := EncryptKey("0x"+key, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(data, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = DecryptKey(data, "wrong")
	require.ErrorContains(t, err, "wrong password")

	_, err = EncryptKey(key, "")
	require.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + key})
	require.NoError(t, err)
	assert.Equal(t, key, got)

	data, err := EncryptKey(key, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "abcd"})
	require.ErrorContains(t, err, "32-byte")
	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
	assert.False(t, KeyConfig{}.Configured())
}

func TestRequestSignatures(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(key)
	require.NoError(t, err)

	body := []byte(`{"asset_id":1,"amount":"10"}`)
	sig, err := s.SignRequest("post", "/api/nfts/1/bids", 1_700_000_000, body)
	require.NoError(t, err)

	got, err := RecoverRequest(sig, "POST", "/api/nfts/1/bids", 1_700_000_000, body)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
	require.NoError(t, VerifyRequest(s.Address(), sig, "POST", "/api/nfts/1/bids", 1_700_000_000, body))

	// Any change to the signed request yields a different signer.
	err = VerifyRequest(s.Address(), sig, "POST", "/api/nfts/1/bids", 1_700_000_000, []byte(`{}`))
	require.ErrorIs(t, err, domain.ErrBadSignature)
	err = VerifyRequest(s.Address(), sig, "POST", "/api/nfts/2/bids", 1_700_000_000, body)
	require.ErrorIs(t, err, domain.ErrBadSignature)

	_, err = RecoverRequest("0x1234", "POST", "/", 0, nil)
	require.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestParseSignatureCanonicalises(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(key)
	require.NoError(t, err)
	sig, err := s.SignRequest("DELETE", "/api/nfts/7/listing", 1_700_000_000, nil)
	require.NoError(t, err)

	want, err := ParseSignature(sig)
	require.NoError(t, err)
	assert.Less(t, want[64], byte(2))

	bare := strings.TrimPrefix(sig, "0x")
	lowV := common.FromHex(sig)
	lowV[64] -= 27
	for _, variant := range []string{
		bare,
		"0X" + strings.ToUpper(bare),
		common.Bytes2Hex(lowV),
	} {
		got, err := ParseSignature(variant)
		require.NoError(t, err, variant)
		assert.Equal(t, want, got, variant)
	}

	// s -> n-s with the recovery id flipped recovers the same key but is not
	// accepted.
	high := append([]byte(nil), want...)
	sv := new(big.Int).SetBytes(high[32:64])
	new(big.Int).Sub(ethcrypto.S256().Params().N, sv).FillBytes(high[32:64])
	high[64] ^= 1
	_, err = ParseSignature(common.Bytes2Hex(high))
	require.ErrorIs(t, err, domain.ErrBadSignature)
	_, err = RecoverRequest(common.Bytes2Hex(high), "DELETE", "/api/nfts/7/listing", 1_700_000_000, nil)
	require.ErrorIs(t, err, domain.ErrBadSignature)

	bad := append([]byte(nil), want...)
	bad[64] = 5
	_, err = ParseSignature(common.Bytes2Hex(bad))
	require.ErrorIs(t, err, domain.ErrBadSignature)
}
