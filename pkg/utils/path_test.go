package utils

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		wantErr     bool
		errContains string
	}{
		{name: "plain file", input: "notes.txt"},
		{name: "dotfile", input: ".gitignore"},
		{name: "empty", input: "", wantErr: true, errContains: "empty"},
		{name: "dot", input: ".", wantErr: true, errContains: "reserved"},
		{name: "dotdot", input: "..", wantErr: true, errContains: "reserved"},
		{name: "separator", input: "a/b", wantErr: true, errContains: "separator"},
		{name: "nul", input: "a\x00b", wantErr: true, errContains: "NUL"},
		{name: "too long", input: strings.Repeat("x", MaxNameLength+1), wantErr: true, errContains: "exceeds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("ValidateName(%q) => %q, expected to contain %q", tt.input, err, tt.errContains)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/home/user", false},
		{"/", false},
		{"relative/path", true},
		{"", true},
		{"/home/../etc", true},
	}

	for _, tt := range tests {
		err := ValidatePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base     string
		elements []string
		want     string
		wantErr  bool
	}{
		{"/srv/data", []string{"a.txt"}, "/srv/data/a.txt", false},
		{"/srv/data", []string{"sub", "b.txt"}, "/srv/data/sub/b.txt", false},
		{"/", []string{"etc"}, "/etc", false},
		{"/srv/data", []string{"..", "other"}, "", true},
		{"/srv/data", []string{"../data2"}, "", true},
		{"", []string{"x"}, "", true},
	}

	for _, tt := range tests {
		got, err := SecureJoin(tt.base, tt.elements...)
		if (err != nil) != tt.wantErr {
			t.Errorf("SecureJoin(%q, %q) error = %v, wantErr %v", tt.base, tt.elements, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("SecureJoin(%q, %q) => %q, expected %q", tt.base, tt.elements, got, tt.want)
		}
	}
}

func TestParentAndBase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		parent string
		base   string
	}{
		{"/srv/data/a.txt", "/srv/data", "a.txt"},
		{"/srv", "/", "srv"},
		{"/", "/", "/"},
		{"/srv/data/", "/srv", "data"},
	}

	for _, tt := range tests {
		if got := Parent(tt.path); got != tt.parent {
			t.Errorf("Parent(%q) => %q, expected %q", tt.path, got, tt.parent)
		}
		if got := Base(tt.path); got != tt.base {
			t.Errorf("Base(%q) => %q, expected %q", tt.path, got, tt.base)
		}
	}
}

func TestIsWithin(t *testing.T) {
	t.Parallel()

	if !IsWithin("/srv", "/srv/a") || !IsWithin("/srv", "/srv") {
		t.Error("paths under base should be within")
	}
	if IsWithin("/srv", "/srv2/a") {
		t.Error("sibling prefix must not count as within")
	}
	if !IsWithin("/", "/anything") {
		t.Error("everything is within root")
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) => %q, expected %q", tt.in, got, tt.want)
		}
	}
}
