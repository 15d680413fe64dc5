package types

import "testing"

func TestRoleFor(t *testing.T) {
	tests := []struct {
		label string
		want  Role
		ok    bool
	}{
		{"SPEAKER_00", RoleAgent, true},
		{"SPEAKER_01", RoleCustomer, true},
		{"SPEAKER_02", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := RoleFor(tt.label)
		if got != tt.want || ok != tt.ok {
			t.Errorf("RoleFor(%q) = %q, %v; want %q, %v", tt.label, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLanguageName(t *testing.T) {
	if name, ok := LanguageName("hi"); !ok || name != "hindi" {
		t.Fatalf("LanguageName(hi) = %q, %v", name, ok)
	}
	if _, ok := LanguageName("xx"); ok {
		t.Fatal("expected unknown code to report false")
	}
}

func TestNeedsTranslation(t *testing.T) {
	for code, want := range map[string]bool{
		"original": false,
		"en":       false,
		"":         false,
		"hi":       true,
		"ta":       true,
	} {
		if got := NeedsTranslation(code); got != want {
			t.Errorf("NeedsTranslation(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestChunkKindPrefix(t *testing.T) {
	if KindOriginal.Prefix() != "original_" || KindTranslated.Prefix() != "translated_" {
		t.Fatalf("unexpected prefixes %q %q", KindOriginal.Prefix(), KindTranslated.Prefix())
	}
}
