package header

import "testing"

func TestAdd_PreservesOrderAndValues(t *testing.T) {
	h := New()
	h.Add("Content-Type", "text/plain")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	h.Add("content-type", "text/html") // same field again, different casing

	if got := h.Names(); len(got) != 2 || got[0] != "Content-Type" || got[1] != "Set-Cookie" {
		t.Errorf("Names() = %v, want [Content-Type Set-Cookie] in first-seen order", got)
	}
	if got := h.Values("Set-Cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Values(Set-Cookie) = %v, want [a=1 b=2]", got)
	}
	if got := h.Values("content-type"); len(got) != 2 {
		t.Errorf("Values(Content-Type) = %v, want 2 values accumulated across casings", got)
	}
}

func TestFind(t *testing.T) {
	h := New()
	if _, ok := h.Find("X-Missing"); ok {
		t.Error("Find on an absent header should report false")
	}
	h.Add("X-Request-Id", "abc")
	v, ok := h.Find("x-request-id")
	if !ok || v != "abc" {
		t.Errorf("Find(x-request-id) = (%q, %v), want (abc, true)", v, ok)
	}
}

func TestHas(t *testing.T) {
	h := New()
	h.Add("ETag", `"v1"`)
	if !h.Has("etag") {
		t.Error("Has(etag) should be true case-insensitively")
	}
	if h.Has("If-None-Match") {
		t.Error("Has(If-None-Match) should be false when never added")
	}
}

func TestContainsToken(t *testing.T) {
	h := New()
	h.Add("Connection", "keep-alive, Upgrade")
	if !h.ContainsToken("Connection", "upgrade") {
		t.Error("ContainsToken should match tokens case-insensitively")
	}
	if !h.ContainsToken("Connection", "keep-alive") {
		t.Error("ContainsToken should find keep-alive among comma-separated tokens")
	}
	if h.ContainsToken("Connection", "close") {
		t.Error("ContainsToken should not match an absent token")
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want int
	}{
		{100, 1}, {200, 2}, {301, 3}, {404, 4}, {503, 5},
	}
	for _, tt := range tests {
		h := &Set{StatusCode: tt.code}
		if got := h.StatusClass(); got != tt.want {
			t.Errorf("StatusClass(%d) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
