// Package service implements the circle lifecycle reconciler: the
// scheduled logic that keeps the off-chain ledger and the on-chain
// contract consistent.
package service

import (
	"math/rand"
)

// GenerateOrder produces a uniformly shuffled rotation over the given
// member addresses. The result is a true permutation of the input, same
// multiset, no duplication or omission. Reproducibility across runs is
// not required; nothing is committed until the chain accepts the order.
func GenerateOrder(members []string) []string {
	order := make([]string, len(members))
	copy(order, members)
	rand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}
