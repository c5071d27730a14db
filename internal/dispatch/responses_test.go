package dispatch

import (
	"testing"

	"autoreply/internal/model"
)

func TestHasExitToken(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{"sair", true},
		{"SAIR", true},
		{"Quero Sair agora", true},
		{"olá, tudo bem?", false},
		{"", false},
	}
	for _, c := range cases {
		if got := hasExitToken(c.body); got != c.want {
			t.Errorf("hasExitToken(%q) = %v, want %v", c.body, got, c.want)
		}
	}
}

func TestResponseKind(t *testing.T) {
	if got := responseKind(true, true); got != model.TemplateGroup {
		t.Errorf("group chat kind = %q", got)
	}
	if got := responseKind(false, true); got != model.TemplateFirst {
		t.Errorf("first contact kind = %q", got)
	}
	if got := responseKind(false, false); got != model.TemplateFollowup {
		t.Errorf("followup kind = %q", got)
	}
}

func TestPersonalize(t *testing.T) {
	got := personalize("Oi {name}, bem-vindo ao {group}!", "Maria", "Clube")
	if got != "Oi Maria, bem-vindo ao Clube!" {
		t.Fatalf("personalize = %q", got)
	}
	// Absent placeholders pass through untouched.
	if got := personalize("sem tokens", "Maria", ""); got != "sem tokens" {
		t.Fatalf("personalize = %q", got)
	}
}

func TestDefaultTextPools(t *testing.T) {
	for _, kind := range []string{model.TemplateFirst, model.TemplateFollowup, model.TemplateGroup} {
		if len(defaultTexts(kind)) == 0 {
			t.Errorf("no built-in responses for %q", kind)
		}
	}
}
