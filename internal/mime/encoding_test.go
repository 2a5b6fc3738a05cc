package mime

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEnsureUTF8ValidPassthrough(t *testing.T) {
	inputs := []string{
		"",
		"plain ascii",
		"accented café résumé",
		"日本語のテキスト",
	}
	for _, s := range inputs {
		if got := EnsureUTF8(s); got != s {
			t.Errorf("EnsureUTF8(%q) = %q, want unchanged", s, got)
		}
	}
}

func TestEnsureUTF8Windows1252(t *testing.T) {
	// "café" in Windows-1252: é is 0xE9.
	raw := string([]byte{'c', 'a', 'f', 0xE9})
	got := EnsureUTF8(raw)
	if !utf8.ValidString(got) {
		t.Fatalf("EnsureUTF8 returned invalid UTF-8: %q", got)
	}
	if !strings.Contains(got, "é") {
		t.Errorf("EnsureUTF8(%q) = %q, want é recovered", raw, got)
	}
}

func TestEnsureUTF8AlwaysValid(t *testing.T) {
	// Byte soup that no decoder should produce a clean result for still
	// comes back as valid UTF-8.
	raw := string([]byte{0xFF, 0xFE, 0x80, 0x81, 0xFF})
	got := EnsureUTF8(raw)
	if !utf8.ValidString(got) {
		t.Errorf("EnsureUTF8 returned invalid UTF-8: %q", got)
	}
}

func TestSanitizeUTF8(t *testing.T) {
	raw := "ok\x80still ok"
	got := sanitizeUTF8(raw)
	if !utf8.ValidString(got) {
		t.Fatalf("sanitizeUTF8 returned invalid UTF-8")
	}
	if !strings.Contains(got, "ok") || !strings.Contains(got, "still ok") {
		t.Errorf("sanitizeUTF8(%q) = %q, valid runes should survive", raw, got)
	}
	if !strings.ContainsRune(got, '�') {
		t.Errorf("sanitizeUTF8(%q) = %q, want replacement character", raw, got)
	}
}

func TestEncodingByName(t *testing.T) {
	known := []string{
		"windows-1252", "WINDOWS-1252", "ISO-8859-1", "shift_jis",
		"EUC-KR", "gbk", "Big5", "koi8-r",
	}
	for _, name := range known {
		if encodingByName(name) == nil {
			t.Errorf("encodingByName(%q) = nil, want encoding", name)
		}
	}
	if encodingByName("klingon-7") != nil {
		t.Error("encodingByName(unknown) should be nil")
	}
}
