package helpers

import "testing"

func TestSanitizeHTMLStrict_RemovesTagsAndScripts(t *testing.T) {
	input := `<p>Hello <strong>world</strong><script>alert('x')</script></p>`
	got := SanitizeHTMLStrict(input)
	want := "Hello world"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPlainText_UnescapesEntities(t *testing.T) {
	input := `<b>Έρευνα & Ανάπτυξη</b> "νέα"`
	got := PlainText(input)
	want := `Έρευνα & Ανάπτυξη "νέα"`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPlainText_LeavesPlainInput(t *testing.T) {
	if got := PlainText("  Αθήνα  "); got != "Αθήνα" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("αβγδε", 3); got != "αβγ…" {
		t.Fatalf("unexpected %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestPlainText_KeepsStrayAngleBrackets(t *testing.T) {
	cases := map[string]string{
		"Inflation <b>rises</b> & P<E ratio":   "Inflation rises & P<E ratio",
		"if a<b and c>d then":                  "if a<b and c>d then",
		`<a href="https://x.gr">link</a> 3 < 4`: "link 3 < 4",
		"<!-- note -->Κείμενο <br/>τέλος":       "Κείμενο τέλος",
		"score<10":                             "score<10",
	}
	for in, want := range cases {
		if got := PlainText(in); got != want {
			t.Errorf("PlainText(%q) = %q, want %q", in, got, want)
		}
	}
}
