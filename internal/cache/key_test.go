package cache

import (
	"errors"
	"testing"
)

func TestParseKey(t *testing.T) {
	testCases := []struct {
		name   string
		raw    string
		want   Key
		reason string
	}{
		{"plain file", "items/2195.gif", "items/2195.gif", ""},
		{"collapses separators", "items//outfits/./1.png", "items/outfits/1.png", ""},
		{"top level file", "favicon.ico", "favicon.ico", ""},
		{"no extension", "items/2195", "", ReasonNoExtension},
		{"directory", "items/", "", ReasonNoExtension},
		{"empty", "", "", ReasonNoExtension},
		{"trailing dot", "items/file.", "", ReasonNoExtension},
		{"dotfile", ".htaccess", "", ReasonNoExtension},
		{"nested dotfile", "items/.foo", "", ReasonNoExtension},
		{"store temp file", "items/.cache-123456", "", ReasonNoExtension},
		{"dotfile with extension", "items/.hidden.gif", "items/.hidden.gif", ""},
		{"traversal", "../../etc/passwd", "", ReasonTraversal},
		{"inner traversal", "items/../../secret.txt", "", ReasonTraversal},
		{"contained dotdot", "items/../items/2195.gif", "", ReasonTraversal},
		{"backslash traversal", "items\\..\\..\\x.gif", "", ReasonTraversal},
		{"absolute", "/etc/hosts.txt", "", ReasonAbsolutePath},
		{"nul byte", "items/a\x00.gif", "", ReasonInvalid},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := ParseKey(tc.raw)
			if tc.reason == "" {
				if err != nil {
					t.Fatalf("unexpected error for %q: %v", tc.raw, err)
				}
				if key != tc.want {
					t.Fatalf("expected key %q, got %q", tc.want, key)
				}
				return
			}

			var keyErr *KeyError
			if !errors.As(err, &keyErr) {
				t.Fatalf("expected KeyError for %q, got %v", tc.raw, err)
			}
			if keyErr.Reason != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, keyErr.Reason)
			}
			if !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("KeyError should unwrap to ErrInvalidKey")
			}
		})
	}
}

func TestParseKeyEquivalentPathsShareKey(t *testing.T) {
	a, err := ParseKey("items/./2195.gif")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	b, err := ParseKey("items//2195.gif")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical keys, got %q and %q", a, b)
	}
}

func TestKeyErrorMessage(t *testing.T) {
	_, err := ParseKey("images/logo")
	var keyErr *KeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected KeyError, got %v", err)
	}
	if keyErr.Message() != "Path must be a file" {
		t.Fatalf("unexpected message %q", keyErr.Message())
	}
}
