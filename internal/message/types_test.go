package message

import "testing"

func TestContentHashDeterministic(t *testing.T) {
	t.Parallel()

	a := ContentHash("conv-1", RoleUser, "Hi", 1700000000000)
	b := ContentHash("conv-1", RoleUser, "Hi", 1700000000000)
	if a != b {
		t.Fatal("identical inputs must hash identically")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestContentHashVariesPerField(t *testing.T) {
	t.Parallel()

	base := ContentHash("conv-1", RoleUser, "Hi", 1700000000000)
	cases := []struct {
		name string
		hash string
	}{
		{name: "conversation", hash: ContentHash("conv-2", RoleUser, "Hi", 1700000000000)},
		{name: "role", hash: ContentHash("conv-1", RoleBot, "Hi", 1700000000000)},
		{name: "text", hash: ContentHash("conv-1", RoleUser, "Hi!", 1700000000000)},
		{name: "timestamp", hash: ContentHash("conv-1", RoleUser, "Hi", 1700000000001)},
	}
	for _, tc := range cases {
		if tc.hash == base {
			t.Fatalf("changing %s must change the hash", tc.name)
		}
	}
}
