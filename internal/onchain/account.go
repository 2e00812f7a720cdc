package onchain

import (
	"bytes"
	"maps"
	"slices"
	"time"

	"github.com/10yihang/snapnode/internal/wire"
)

// TierWeightBonus is the extra validator weight of an account with an
// active paid tier.
const TierWeightBonus = 1

// SignerInfo describes an active signer key.
type SignerInfo struct {
	KeyType uint32
	// Custody is the custody address of the account when the key was added.
	Custody []byte
	AddedAt wire.OrderKey
}

// Rent is one storage purchase.
type Rent struct {
	Units  uint32
	Expiry uint64 // unix seconds
}

// Account is the authorization state of one fid.
type Account struct {
	Fid        uint64
	Custody    []byte
	Recovery   []byte
	Registered bool
	Signers    map[string]SignerInfo
	Rents      []Rent
	TierExpiry uint64 // unix seconds, 0 if never purchased
	LastEvent  wire.OrderKey
}

func (a *Account) clone() *Account {
	c := *a
	c.Custody = bytes.Clone(a.Custody)
	c.Recovery = bytes.Clone(a.Recovery)
	c.Signers = maps.Clone(a.Signers)
	c.Rents = slices.Clone(a.Rents)
	return &c
}

// IsActiveSigner reports whether key may sign for the account.
func (a *Account) IsActiveSigner(key []byte) bool {
	if !a.Registered {
		return false
	}
	_, ok := a.Signers[string(key)]
	return ok
}

// SignerKeys returns the active keys in byte order.
func (a *Account) SignerKeys() [][]byte {
	keys := make([][]byte, 0, len(a.Signers))
	for k := range a.Signers {
		keys = append(keys, []byte(k))
	}
	slices.SortFunc(keys, bytes.Compare)
	return keys
}

// StorageUnits returns the units whose rent has not expired at t.
func (a *Account) StorageUnits(t time.Time) uint32 {
	now := uint64(t.Unix())
	var units uint32
	for _, r := range a.Rents {
		if r.Expiry > now {
			units += r.Units
		}
	}
	return units
}

func (a *Account) HasTier(t time.Time) bool {
	return a.TierExpiry > uint64(t.Unix())
}

// Weight is the validator weight of the account at t.
func (a *Account) Weight(t time.Time) uint64 {
	w := uint64(1) + uint64(a.StorageUnits(t))
	if a.HasTier(t) {
		w += TierWeightBonus
	}
	return w
}

// apply folds ev into a. The caller owns a.
func (a *Account) apply(ev *wire.OnChainEvent) {
	a.LastEvent = ev.OrderKey()
	switch body := ev.Body.(type) {
	case *wire.IdRegisterEventBody:
		switch body.EventType {
		case wire.IdRegisterRegister:
			a.Registered = true
			a.Custody = bytes.Clone(body.To)
			a.Recovery = bytes.Clone(body.RecoveryAddress)
		case wire.IdRegisterTransfer:
			a.Custody = bytes.Clone(body.To)
		case wire.IdRegisterChangeRecovery:
			a.Recovery = bytes.Clone(body.RecoveryAddress)
		}
	case *wire.SignerEventBody:
		switch body.EventType {
		case wire.SignerEventAdd:
			if a.Signers == nil {
				a.Signers = make(map[string]SignerInfo)
			}
			a.Signers[string(body.Key)] = SignerInfo{
				KeyType: body.KeyType,
				Custody: bytes.Clone(a.Custody),
				AddedAt: ev.OrderKey(),
			}
		case wire.SignerEventRemove:
			delete(a.Signers, string(body.Key))
		case wire.SignerEventAdminReset:
			if len(body.Key) == 0 {
				clear(a.Signers)
			} else {
				delete(a.Signers, string(body.Key))
			}
		}
	case *wire.SignerMigratedEventBody:
		clear(a.Signers)
	case *wire.StorageRentEventBody:
		expiry := body.Expiry
		if expiry == 0 {
			expiry = ev.BlockTimestamp + uint64(wire.StorageRentDuration/time.Second)
		}
		a.Rents = append(a.Rents, Rent{Units: body.Units, Expiry: expiry})
	case *wire.TierPurchaseBody:
		start := max(a.TierExpiry, ev.BlockTimestamp)
		a.TierExpiry = start + body.ForDays*24*60*60
	}
}
