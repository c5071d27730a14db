package dispatch

import (
	"strings"

	"autoreply/internal/model"
)

// farewellText is sent once when a contact asks to opt out.
const farewellText = "Tudo bem! Você não receberá mais mensagens. Até logo!"

// exitToken triggers the opt-out flow, matched case-insensitively anywhere
// in the body.
const exitToken = "sair"

// Built-in responses used when an account has no enabled templates of the
// needed type.
var (
	defaultFirstTexts = []string{
		"Olá {name}! Tudo bem? Vi sua mensagem e já te respondo.",
		"Oi {name}, prazer! Recebi sua mensagem, um momento.",
		"Olá {name}! Obrigado pelo contato, como posso ajudar?",
	}
	defaultFollowupTexts = []string{
		"Oi {name}, tudo certo por aí?",
		"Entendi, {name}. Me conta mais.",
		"Certo! Qualquer coisa é só chamar, {name}.",
	}
	defaultGroupTexts = []string{
		"Olá pessoal do {group}!",
		"Oi gente, tudo bem com o {group}?",
	}
)

// responseKind classifies a conversation for template selection.
func responseKind(isGroup, first bool) string {
	switch {
	case isGroup:
		return model.TemplateGroup
	case first:
		return model.TemplateFirst
	default:
		return model.TemplateFollowup
	}
}

// selectResponse picks the reply text: a random enabled custom template of
// the right type when any exist, else a random built-in default. Placeholder
// tokens are substituted either way.
func (d *Dispatcher) selectResponse(accountID, kind, name, group string) (string, error) {
	templates, err := d.store.ListTemplates(accountID, kind, true)
	if err != nil {
		return "", err
	}
	var text string
	if len(templates) > 0 {
		text = templates[d.intn(len(templates))].Text
	} else {
		pool := defaultTexts(kind)
		text = pool[d.intn(len(pool))]
	}
	return personalize(text, name, group), nil
}

func defaultTexts(kind string) []string {
	switch kind {
	case model.TemplateGroup:
		return defaultGroupTexts
	case model.TemplateFirst:
		return defaultFirstTexts
	default:
		return defaultFollowupTexts
	}
}

// personalize substitutes the {name} and {group} placeholder tokens.
func personalize(text, name, group string) string {
	text = strings.ReplaceAll(text, "{name}", name)
	return strings.ReplaceAll(text, "{group}", group)
}

// hasExitToken reports whether the body contains the opt-out keyword.
func hasExitToken(body string) bool {
	return strings.Contains(strings.ToLower(body), exitToken)
}
