package ledger

import (
	"errors"
	"sort"

	"conti/internal/core"
)

// Shares splits amount evenly across the given member ids.
//
// Logic:
//  1. Every beneficiary gets amount / n cents.
//  2. The amount % n leftover cents go one each to beneficiaries in
//     ascending member id order.
//
// The result always sums to amount exactly. It depends only on the amount
// and the set of ids, so reversing an expense later reproduces the same
// shares regardless of the order beneficiaries were listed in.
func Shares(amount core.Money, ids []string) (map[string]core.Money, error) {
	if amount.Cents <= 0 {
		return nil, core.ErrInvalidAmount
	}
	if len(ids) == 0 {
		return nil, core.ErrNoBeneficiaries
	}

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	n := int64(len(sorted))
	base := amount.Cents / n
	rem := amount.Cents % n

	shares := make(map[string]core.Money, len(sorted))
	for i, id := range sorted {
		if _, dup := shares[id]; dup {
			return nil, core.ErrDuplicateMember
		}
		c := base
		if int64(i) < rem {
			c++
		}
		shares[id] = core.Money{Cents: c}
	}

	// Safety check: no cent lost or gained
	var total int64
	for _, s := range shares {
		total += s.Cents
	}
	if total != amount.Cents {
		return nil, errors.New("shares do not add up to amount")
	}

	return shares, nil
}
