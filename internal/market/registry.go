package market

import (
	"sort"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// registry tracks asset identity and ownership. It is mutated only by mint
// and by settlement.
type registry struct {
	owners map[domain.TokenID]domain.Address
}

func newRegistry() *registry {
	return &registry{owners: make(map[domain.TokenID]domain.Address)}
}

func (r *registry) exists(id domain.TokenID) bool {
	_, ok := r.owners[id]
	return ok
}

func (r *registry) ownerOf(id domain.TokenID) (domain.Address, error) {
	owner, ok := r.owners[id]
	if !ok {
		return domain.ZeroAddress, domain.ErrUnknownAsset
	}
	return owner, nil
}

func (r *registry) mint(to domain.Address, id domain.TokenID) error {
	if r.exists(id) {
		return domain.ErrDuplicateAsset
	}
	r.owners[id] = to
	return nil
}

func (r *registry) transfer(id domain.TokenID, newOwner domain.Address) error {
	if !r.exists(id) {
		return domain.ErrUnknownAsset
	}
	r.owners[id] = newOwner
	return nil
}

func (r *registry) assets() []domain.Asset {
	out := make([]domain.Asset, 0, len(r.owners))
	for id, owner := range r.owners {
		out = append(out, domain.Asset{ID: id, Owner: owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
