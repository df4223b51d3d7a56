package domain

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Address is an account reference. The zero address never owns an asset.
type Address = common.Address

// ZeroAddress is the empty account reference.
var ZeroAddress = Address{}

// TokenID uniquely identifies a non-fungible asset within the collection.
type TokenID uint64

func (id TokenID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseTokenID parses a base-10 token identifier.
func ParseTokenID(s string) (TokenID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return TokenID(n), nil
}

// Asset is a minted NFT and its current owner.
type Asset struct {
	ID    TokenID `json:"id"`
	Owner Address `json:"owner"`
}

// Collection describes the minted collection, fixed at initialization.
type Collection struct {
	Name   string  `json:"name"`
	Symbol string  `json:"symbol"`
	Admin  Address `json:"admin"`
}

// Amount returns a fresh copy of v, treating nil as zero. All amounts leave
// the engine as copies so callers can never alias ledger state.
func Amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
