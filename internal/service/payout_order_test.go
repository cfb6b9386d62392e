package service

import (
	"fmt"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestGenerateOrder_IsPermutation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Members modeled as distinct synthetic addresses of arbitrary count.
	memberSet := gen.IntRange(1, 15).Map(func(n int) []string {
		members := make([]string, n)
		for i := range members {
			members[i] = fmt.Sprintf("0x%040d", i+1)
		}
		return members
	})

	properties.Property("order is a permutation of the member set", prop.ForAll(
		func(members []string) bool {
			order := GenerateOrder(members)
			if len(order) != len(members) {
				return false
			}
			a := append([]string(nil), members...)
			b := append([]string(nil), order...)
			sort.Strings(a)
			sort.Strings(b)
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		memberSet,
	))

	properties.Property("input slice is never mutated", prop.ForAll(
		func(members []string) bool {
			snapshot := append([]string(nil), members...)
			GenerateOrder(members)
			for i := range members {
				if members[i] != snapshot[i] {
					return false
				}
			}
			return true
		},
		memberSet,
	))

	properties.TestingRun(t)
}

func TestGenerateOrder_Empty(t *testing.T) {
	if order := GenerateOrder(nil); len(order) != 0 {
		t.Errorf("expected empty order, got %v", order)
	}
}

func TestGenerateOrder_SingleMember(t *testing.T) {
	order := GenerateOrder([]string{"0x0000000000000000000000000000000000000065"})
	if len(order) != 1 || order[0] != "0x0000000000000000000000000000000000000065" {
		t.Errorf("single member order = %v", order)
	}
}
