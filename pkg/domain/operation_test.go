package domain

import "testing"

func TestOperationIDCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b OperationID
		want int
	}{
		{"higher counter wins", OperationID{2, "a"}, OperationID{1, "z"}, 1},
		{"lower counter loses", OperationID{1, "z"}, OperationID{2, "a"}, -1},
		{"tie breaks on author", OperationID{10, "A"}, OperationID{10, "B"}, -1},
		{"tie breaks on author reversed", OperationID{10, "B"}, OperationID{10, "A"}, 1},
		{"equal", OperationID{3, "x"}, OperationID{3, "x"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.want {
				t.Fatalf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
			if got := tc.b.Compare(tc.a); got != -tc.want {
				t.Fatalf("Compare is not antisymmetric for %s, %s", tc.a, tc.b)
			}
		})
	}
}

func TestWinnersBySlotIgnoresArrivalOrder(t *testing.T) {
	opA := Operation{ID: OperationID{10, "A"}, TargetID: "n", Key: "title", Value: "from A"}
	opB := Operation{ID: OperationID{10, "B"}, TargetID: "n", Key: "title", Value: "from B"}
	older := Operation{ID: OperationID{3, "Z"}, TargetID: "n", Key: "title", Value: "old"}

	for _, ops := range [][]Operation{{opA, opB, older}, {older, opB, opA}, {opB, older, opA}} {
		w := WinnersBySlot(ops)
		if got := w[Slot{"n", "title"}]; got.ID != opB.ID {
			t.Fatalf("expected B to win, got %s", got.ID)
		}
	}
}

func TestSortOperations(t *testing.T) {
	ops := []Operation{
		{ID: OperationID{2, "a"}},
		{ID: OperationID{1, "b"}},
		{ID: OperationID{1, "a"}},
	}
	SortOperations(ops)
	if ops[0].ID != (OperationID{1, "a"}) || ops[2].ID != (OperationID{2, "a"}) {
		t.Fatalf("unexpected order %+v", ops)
	}
}

func TestSpacePointerKey(t *testing.T) {
	if got := (SpacePointer{ID: "id", URI: "fs:///tmp/s"}).Key(); got != "fs:///tmp/s" {
		t.Fatalf("uri key: %s", got)
	}
	if got := (SpacePointer{ID: "id"}).Key(); got != "id" {
		t.Fatalf("id key: %s", got)
	}
}
