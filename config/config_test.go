package config

import (
	"testing"

	"github.com/slauger/chantal"
)

func validRepo() Repository {
	return Repository{
		ID:      "baseos",
		Name:    "BaseOS",
		Type:    chantal.KindRPM,
		Feed:    "https://mirror.example.test/baseos",
		Enabled: true,
		Mode:    chantal.ModeMirror,
	}
}

func TestRepositoryValidateAccepts(t *testing.T) {
	if err := validRepo().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRepositoryValidateRejectsBadID(t *testing.T) {
	r := validRepo()
	r.ID = "Base OS"
	if err := r.Validate(); chantal.KindOf(err) != chantal.KindConfig {
		t.Fatalf("expected KindConfig, got %v", err)
	}
}

func TestRepositoryValidateRejectsUnknownMode(t *testing.T) {
	r := validRepo()
	r.Mode = "bogus"
	if err := r.Validate(); chantal.KindOf(err) != chantal.KindConfig {
		t.Fatalf("expected KindConfig, got %v", err)
	}
}

func TestRepositoryValidateRejectsOnlyLatestVersionInMirror(t *testing.T) {
	r := validRepo()
	r.Filters.OnlyLatestVersion = true
	if err := r.Validate(); err == nil {
		t.Fatal("expected error: only_latest_version disallowed in mirror mode")
	}
}

func TestRepositoryValidateAllowsOnlyLatestVersionInFiltered(t *testing.T) {
	r := validRepo()
	r.Mode = chantal.ModeFiltered
	r.Filters.OnlyLatestVersion = true
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRepositoryValidateRejectsBadPattern(t *testing.T) {
	r := validRepo()
	r.Filters.IncludePatterns = []string{"(unclosed"}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestRepositoryValidateRejectsAuthWithoutRequiredFields(t *testing.T) {
	r := validRepo()
	r.Auth.Mode = "basic"
	if err := r.Validate(); err == nil {
		t.Fatal("expected error: basic auth requires user")
	}
}

func TestViewValidateRejectsDuplicateMembers(t *testing.T) {
	v := View{Name: "el9", Type: chantal.KindRPM, OrderedMembers: []string{"baseos", "baseos"}}
	if err := v.Validate(); err == nil {
		t.Fatal("expected error for duplicate member")
	}
}

func TestViewValidateAccepts(t *testing.T) {
	v := View{Name: "el9", Type: chantal.KindRPM, OrderedMembers: []string{"baseos", "appstream"}}
	if err := v.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestGlobalValidateRequiresPoolDir(t *testing.T) {
	if err := (Global{}).Validate(); err == nil {
		t.Fatal("expected error for missing pool_dir")
	}
}

func TestViewToChantalPreservesMemberOrder(t *testing.T) {
	v := View{Name: "el9", Description: "EL9 aggregate", Type: chantal.KindRPM, OrderedMembers: []string{"baseos", "appstream"}}
	got := v.ToChantal()
	if got.Name != v.Name || got.Description != v.Description || got.Type != v.Type {
		t.Fatalf("ToChantal() = %+v, want fields to match %+v", got, v)
	}
	if len(got.Members) != 2 || got.Members[0] != "baseos" || got.Members[1] != "appstream" {
		t.Fatalf("ToChantal() members = %v, want ordered [baseos appstream]", got.Members)
	}
}
