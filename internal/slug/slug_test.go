package slug

import "testing"

func TestValidateAccepts(t *testing.T) {
	for _, s := range []string{"baseos", "epel-9", "el9.stream", "repo_1"} {
		if err := Validate("id", s); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", s, err)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []string{"", "BaseOS", "../etc", "has space", "-leading-dash", "a/b"}
	for _, s := range cases {
		if err := Validate("id", s); err == nil {
			t.Errorf("Validate(%q) = nil, want error", s)
		}
	}
}

func TestValidateRejectsTooLong(t *testing.T) {
	long := make([]byte, MaxLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := Validate("id", string(long)); err == nil {
		t.Fatal("expected error for over-length slug")
	}
}

func TestValid(t *testing.T) {
	if !Valid("baseos") {
		t.Error("Valid(baseos) = false, want true")
	}
	if Valid("") {
		t.Error("Valid(\"\") = true, want false")
	}
}
