package lattice

import (
	"testing"
)

func Test_PrefixIndex_Find_Returns_Only_Matching_Names_In_Sorted_Order(t *testing.T) {
	t.Parallel()

	idx := newPrefixIndex()
	idx.insert(ComposeID(0, 1), "ISA_add")
	idx.insert(ComposeID(0, 2), "ISA_sub")
	idx.insert(ComposeID(0, 3), "PATTERN_retry")

	got := idx.find("ISA_", 0)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0] != ComposeID(0, 1) || got[1] != ComposeID(0, 2) {
		t.Fatalf("got = %v, want ISA_add's id then ISA_sub's id", got)
	}
}

func Test_PrefixIndex_Find_Respects_A_Limit(t *testing.T) {
	t.Parallel()

	idx := newPrefixIndex()
	idx.insert(ComposeID(0, 1), "ISA_add")
	idx.insert(ComposeID(0, 2), "ISA_sub")
	idx.insert(ComposeID(0, 3), "ISA_mul")

	got := idx.find("ISA_", 2)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func Test_PrefixIndex_Remove_Drops_Only_The_Matching_Id(t *testing.T) {
	t.Parallel()

	idx := newPrefixIndex()
	a := ComposeID(0, 1)
	b := ComposeID(0, 2)
	idx.insert(a, "ISA_add")
	idx.insert(b, "ISA_add") // same name, distinct id: duplicate names are legal

	idx.remove(a, "ISA_add")

	got := idx.find("ISA_add", 0)
	if len(got) != 1 || got[0] != b {
		t.Fatalf("find after remove = %v, want [%v]", got, b)
	}
}

func Test_PrefixIndex_FindExactToken_Matches_A_WellKnown_Prefix(t *testing.T) {
	t.Parallel()

	idx := newPrefixIndex()
	idx.insert(ComposeID(0, 1), "ISA_add")

	ids, ok := idx.findExactToken("ISA_")
	if !ok {
		t.Fatalf("findExactToken(ISA_) ok = false, want true")
	}
	if len(ids) != 1 {
		t.Fatalf("len(ids) = %d, want 1", len(ids))
	}
}

func Test_PrefixIndex_Rebuild_Discards_Prior_Entries(t *testing.T) {
	t.Parallel()

	idx := newPrefixIndex()
	idx.insert(ComposeID(0, 1), "ISA_stale")

	idx.rebuild(func(yield func(id NodeID, name string)) {
		yield(ComposeID(0, 2), "ISA_fresh")
	})

	got := idx.find("ISA_", 0)
	if len(got) != 1 || got[0] != ComposeID(0, 2) {
		t.Fatalf("find after rebuild = %v, want only the fresh id", got)
	}
}

func Test_Token_Splits_On_First_Separator(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"ISA_add":        "ISA_",
		"PATTERN:retry":   "PATTERN:",
		"no-separator":   "no-separator",
	}
	for name, want := range cases {
		if got := token(name); got != want {
			t.Errorf("token(%q) = %q, want %q", name, got, want)
		}
	}
}
