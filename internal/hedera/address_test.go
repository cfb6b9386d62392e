package hedera

import (
	stderrors "errors"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/circlepool/circlepool/internal/errors"
)

func TestToEVMAddress(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		want     string
		wantErr  bool
	}{
		{
			name:     "native id encodes as long-zero",
			identity: "0.0.1234",
			want:     "0x00000000000000000000000000000000000004d2",
		},
		{
			name:     "hex address passes through canonicalized",
			identity: "0xAbC0000000000000000000000000000000000001",
			want:     "0xabc0000000000000000000000000000000000001",
		},
		{
			name:     "unprefixed hex gains the prefix",
			identity: "abc0000000000000000000000000000000000001",
			want:     "0xabc0000000000000000000000000000000000001",
		},
		{
			name:     "surrounding whitespace is tolerated",
			identity: "  0.0.5  ",
			want:     "0x0000000000000000000000000000000000000005",
		},
		{
			name:     "garbage is rejected",
			identity: "not-an-identity",
			wantErr:  true,
		},
		{
			name:     "partial native id is rejected",
			identity: "0.0",
			wantErr:  true,
		},
		{
			name:     "empty input is rejected",
			identity: "",
			wantErr:  true,
		},
		{
			name:     "short hex is rejected",
			identity: "0xabc",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToEVMAddress(tt.identity)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				if !stderrors.Is(err, errors.ErrInvalidIdentity) {
					t.Errorf("error should wrap ErrInvalidIdentity, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ToEVMAddress(%q) = %q, want %q", tt.identity, got, tt.want)
			}
		})
	}
}

func TestToAccountID(t *testing.T) {
	tests := []struct {
		name    string
		address string
		want    string
	}{
		{
			name:    "long-zero derives the native id",
			address: "0x00000000000000000000000000000000000004d2",
			want:    "0.0.1234",
		},
		{
			name:    "alias address passes through canonicalized",
			address: "0xABC0000000000000000000000000000000000001",
			want:    "0xabc0000000000000000000000000000000000001",
		},
		{
			name:    "native id input is returned lowercased unchanged",
			address: "0.0.55",
			want:    "0.0.55",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToAccountID(tt.address); got != tt.want {
				t.Errorf("ToAccountID(%q) = %q, want %q", tt.address, got, tt.want)
			}
		})
	}
}

func TestToAccountID_Idempotent(t *testing.T) {
	inputs := []string{
		"0x00000000000000000000000000000000000004d2",
		"0xabc0000000000000000000000000000000000001",
		"0.0.55",
	}
	for _, in := range inputs {
		once := ToAccountID(in)
		twice := ToAccountID(once)
		if once != twice {
			t.Errorf("ToAccountID not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestRoundTripProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("native id round-trips through the long-zero address", prop.ForAll(
		func(num uint32) bool {
			id := "0.0." + strconv.FormatUint(uint64(num), 10)
			addr, err := ToEVMAddress(id)
			if err != nil {
				return false
			}
			return ToAccountID(addr) == id
		},
		gen.UInt32(),
	))

	properties.TestingRun(t)
}

func TestSameIdentity(t *testing.T) {
	if !SameIdentity("0.0.1234", "0x00000000000000000000000000000000000004D2") {
		t.Error("native id and its long-zero address must be the same identity")
	}
	if SameIdentity("0.0.1234", "0.0.1235") {
		t.Error("distinct accounts must not match")
	}
	if SameIdentity("garbage", "0.0.1234") {
		t.Error("invalid identity never matches")
	}
}

func TestIsEVMAddressAndIsAccountID(t *testing.T) {
	if !IsEVMAddress("0x00000000000000000000000000000000000004d2") {
		t.Error("prefixed hex address should be recognized")
	}
	if !IsEVMAddress("00000000000000000000000000000000000004d2") {
		t.Error("unprefixed hex address should be recognized")
	}
	if IsEVMAddress("0.0.1234") {
		t.Error("native id is not an execution address")
	}
	if !IsAccountID("10.2.33") {
		t.Error("native id should be recognized")
	}
	if IsAccountID("0x00000000000000000000000000000000000004d2") {
		t.Error("execution address is not a native id")
	}
}
