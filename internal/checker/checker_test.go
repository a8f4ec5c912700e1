package checker

import "testing"

func TestMatchExact(t *testing.T) {
	if !Match("hello world\n", "hello world\n") {
		t.Fatalf("expected exact match")
	}
}

func TestMatchWhitespaceInsensitive(t *testing.T) {
	expected := "1 2 3\n4 5 6\n"
	observed := "1   2 3  \n   4 5 6\n\n"
	if !Match(expected, observed) {
		t.Fatalf("expected whitespace-normalized match")
	}
}

func TestMatchTrailingBlankLinesIgnored(t *testing.T) {
	expected := "result: 42"
	observed := "result: 42\n\n\n"
	if !Match(expected, observed) {
		t.Fatalf("expected trailing blank lines to be ignored")
	}
}

func TestMatchDifferentLineCount(t *testing.T) {
	if Match("a\nb\n", "a\n") {
		t.Fatalf("expected mismatch on differing line counts")
	}
}

func TestMatchDifferentTokens(t *testing.T) {
	if Match("a b c", "a b d") {
		t.Fatalf("expected mismatch on differing tokens")
	}
}

func TestMatchEmptyBoth(t *testing.T) {
	if !Match("\n\n", "   \n") {
		t.Fatalf("expected two effectively-empty outputs to match")
	}
}
