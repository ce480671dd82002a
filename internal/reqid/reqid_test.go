package reqid

import "testing"

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"my-trace-abc123":               true,
		"a":                              true,
		"":                               false,
		"<script>alert(1)</script>":      false,
		"has a space":                    false,
		"unicode-ключ":                   false,
	}
	for in, want := range cases {
		if got := Valid(in); got != want {
			t.Errorf("Valid(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromHeaderEchoesValidValue(t *testing.T) {
	got := FromHeader("my-trace-abc123")
	if got != "my-trace-abc123" {
		t.Fatalf("expected client value echoed, got %q", got)
	}
}

func TestFromHeaderReplacesInvalidValue(t *testing.T) {
	got := FromHeader("<script>alert(1)</script>")
	if got == "<script>alert(1)</script>" {
		t.Fatalf("expected invalid value to be replaced")
	}
	if !Valid(got) {
		t.Fatalf("generated fallback %q must itself be valid", got)
	}
}

func TestGenerateProducesValidIDs(t *testing.T) {
	for i := 0; i < 20; i++ {
		id := Generate()
		if !Valid(id) {
			t.Fatalf("Generate() produced invalid id %q", id)
		}
	}
}
