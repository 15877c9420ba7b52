package types

import (
	"fmt"
	"testing"
)

func testValidators(n int) []*Validator {
	vals := make([]*Validator, n)
	for i := 0; i < n; i++ {
		vals[i] = &Validator{
			ID:        NodeID(fmt.Sprintf("node%d", i)),
			PublicKey: MustNewPublicKey(make([]byte, PublicKeySize)),
			Stake:     100,
		}
	}
	return vals
}

func TestNewValidatorSet(t *testing.T) {
	vs, err := NewValidatorSet(testValidators(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vs.Size() != 4 {
		t.Errorf("expected size 4, got %d", vs.Size())
	}
	if vs.TotalStake != 400 {
		t.Errorf("expected total stake 400, got %d", vs.TotalStake)
	}
	if vs.GetByID("node2") == nil {
		t.Error("lookup by id failed")
	}
	if vs.GetByIndex(3) == nil {
		t.Error("lookup by index failed")
	}
}

func TestNewValidatorSetRejectsInvalid(t *testing.T) {
	if _, err := NewValidatorSet(nil); err == nil {
		t.Error("empty set accepted")
	}

	dup := testValidators(2)
	dup[1].ID = dup[0].ID
	if _, err := NewValidatorSet(dup); err == nil {
		t.Error("duplicate id accepted")
	}

	zeroStake := testValidators(2)
	zeroStake[1].Stake = 0
	if _, err := NewValidatorSet(zeroStake); err == nil {
		t.Error("zero stake accepted")
	}

	unnamed := testValidators(2)
	unnamed[0].ID = ""
	if _, err := NewValidatorSet(unnamed); err == nil {
		t.Error("empty id accepted")
	}
}

func TestQuorumArithmetic(t *testing.T) {
	cases := []struct {
		n, f, quorum int
	}{
		{1, 0, 1},
		{3, 0, 1},
		{4, 1, 3},
		{7, 2, 5},
		{10, 3, 7},
		{13, 4, 9},
	}
	for _, tc := range cases {
		vs, err := NewValidatorSet(testValidators(tc.n))
		if err != nil {
			t.Fatalf("n=%d: %v", tc.n, err)
		}
		if vs.MaxFaulty() != tc.f {
			t.Errorf("n=%d: expected f=%d, got %d", tc.n, tc.f, vs.MaxFaulty())
		}
		if vs.QuorumSize() != tc.quorum {
			t.Errorf("n=%d: expected quorum=%d, got %d", tc.n, tc.quorum, vs.QuorumSize())
		}
	}
}

func TestLeaderForViewDeterministic(t *testing.T) {
	vs, err := NewValidatorSet(testValidators(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Rotation follows the fixed validator ordering
	for view := uint64(0); view < 12; view++ {
		leader := vs.LeaderForView(view)
		expected := vs.Validators[view%4]
		if leader != expected {
			t.Errorf("view %d: expected leader %s, got %s", view, expected.ID, leader.ID)
		}
	}

	// Two identically constructed sets agree on every leader
	vs2, _ := NewValidatorSet(testValidators(4))
	for view := uint64(0); view < 12; view++ {
		if vs.LeaderForView(view).ID != vs2.LeaderForView(view).ID {
			t.Errorf("view %d: leader selection not deterministic", view)
		}
	}
}

func TestValidatorSetHashIgnoresOrder(t *testing.T) {
	a := testValidators(4)
	b := []*Validator{a[2], a[0], a[3], a[1]}

	vsA, _ := NewValidatorSet(a)
	vsB, _ := NewValidatorSet(b)

	if !HashEqual(vsA.Hash(), vsB.Hash()) {
		t.Error("hash should depend on membership, not construction order")
	}
}
