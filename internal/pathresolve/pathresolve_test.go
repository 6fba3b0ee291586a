package pathresolve

import "testing"

func TestValidateRejectsMaliciousInputs(t *testing.T) {
	bad := []string{
		"/../x",
		"/a/%2e%2e/b",
		"/a\x00b",
		"/a\\b",
	}
	for _, p := range bad {
		if _, err := Validate(p); err == nil {
			t.Errorf("Validate(%q) should have rejected, got no error", p)
		}
	}
}

func TestValidateNormalizesGoodInputs(t *testing.T) {
	cases := map[string]string{
		"/a/b.txt":   "/a/b.txt",
		"/a//b":      "/a/b",
		"/a/./b":     "/a/b",
		"/music/":    "/music/",
		"/":          "/",
		"a/b":        "/a/b",
	}
	for in, want := range cases {
		got, err := Validate(in)
		if err != nil {
			t.Errorf("Validate(%q) unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Validate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVirtualFolderHashIsStableAndPrefixed(t *testing.T) {
	h1 := VirtualFolderHash("/music")
	h2 := VirtualFolderHash("/music/")
	if h1 != h2 {
		t.Error("hash should be insensitive to a missing trailing slash")
	}
	if len(h1) != 64 {
		t.Errorf("expected 64-char hex hash, got %d chars", len(h1))
	}
}

func TestDescendantPrefixes(t *testing.T) {
	got := DescendantPrefixes("/a/b/c.txt")
	want := []string{"/a/", "/a/b/"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("prefix %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsHexHash(t *testing.T) {
	if !IsHexHash(VirtualFolderHash("/a/")) {
		t.Error("a computed virtual folder hash should be recognized as hex")
	}
	if IsHexHash("not-a-hash-id") {
		t.Error("a plain row id should not be recognized as hex")
	}
}
