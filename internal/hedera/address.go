// Package hedera converts between Hedera native account identifiers
// (shard.realm.num) and the 20-byte EVM execution addresses used by the
// CirclePool contract. Identity comparison across the chain/ledger
// boundary must always go through Canonical first; prefix and case
// inconsistency is the main source of false mismatches.
package hedera

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/circlepool/circlepool/internal/errors"
)

var (
	hexAddressRe = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{40}$`)
	accountIDRe  = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Canonical normalizes an execution address to lowercase with a 0x
// prefix. Inputs that are not hex addresses are returned lowercased.
func Canonical(address string) string {
	s := strings.ToLower(strings.TrimSpace(address))
	if hexAddressRe.MatchString(s) && !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// IsEVMAddress reports whether s is a well-formed 20-byte hex address,
// with or without the 0x prefix.
func IsEVMAddress(s string) bool {
	return hexAddressRe.MatchString(strings.TrimSpace(s))
}

// IsAccountID reports whether s is a native shard.realm.num identifier.
func IsAccountID(s string) bool {
	return accountIDRe.MatchString(strings.TrimSpace(s))
}

// ToEVMAddress converts a native account identifier to its long-zero
// execution address. A well-formed execution address passes through
// unchanged apart from canonicalization. Anything else fails with
// ErrInvalidIdentity.
func ToEVMAddress(identity string) (string, error) {
	s := strings.TrimSpace(identity)

	if IsEVMAddress(s) {
		return Canonical(s), nil
	}

	if !IsAccountID(s) {
		return "", fmt.Errorf("%w: %q", errors.ErrInvalidIdentity, identity)
	}

	parts := strings.Split(s, ".")
	shard, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return "", fmt.Errorf("%w: shard in %q: %v", errors.ErrInvalidIdentity, identity, err)
	}
	realm, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: realm in %q: %v", errors.ErrInvalidIdentity, identity, err)
	}
	num, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: account number in %q: %v", errors.ErrInvalidIdentity, identity, err)
	}

	// 4-byte shard, 8-byte realm, 8-byte num, big-endian
	var buf [20]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(shard))
	binary.BigEndian.PutUint64(buf[4:12], realm)
	binary.BigEndian.PutUint64(buf[12:20], num)

	return "0x" + hex.EncodeToString(buf[:]), nil
}

// ToAccountID attempts the reverse derivation. Long-zero addresses map
// back to shard.realm.num. Addresses that were not derived from a
// native identifier (externally generated keys) are returned unchanged
// after canonicalization, so a second application is a no-op.
func ToAccountID(address string) string {
	s := Canonical(address)

	if !IsEVMAddress(s) {
		return s
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != 20 {
		return s
	}

	// Only long-zero addresses (first 12 bytes zero) carry an encoded
	// account number; anything else is an ECDSA alias.
	for _, b := range raw[:12] {
		if b != 0 {
			return s
		}
	}

	num := binary.BigEndian.Uint64(raw[12:20])
	return fmt.Sprintf("0.0.%d", num)
}

// SameIdentity reports whether two identities refer to the same account
// once both are normalized to execution-address form.
func SameIdentity(a, b string) bool {
	ea, errA := ToEVMAddress(a)
	eb, errB := ToEVMAddress(b)
	if errA != nil || errB != nil {
		return false
	}
	return ea == eb
}
