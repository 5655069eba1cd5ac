package detector

import (
	"regexp"
	"strings"
)

type RuleKind string

const (
	RuleTenantPhrase RuleKind = "tenant_phrase"
	RuleBuiltin      RuleKind = "builtin_pattern"
)

// Rule is one entry of a tenant's ordered rule list.
type Rule struct {
	Kind   RuleKind
	Source string
	phrase string
	re     *regexp.Regexp
}

func (r Rule) matches(normalized string) bool {
	if r.re != nil {
		return r.re.MatchString(normalized)
	}
	return r.phrase != "" && strings.Contains(normalized, r.phrase)
}

// Patterns run against normalized text, so they are written without accents.
var builtinConfirmationPatterns = []string{
	`\b(un|una|el|la|nuestro|nuestra)?\s*(asesor|asesora|agente|ejecutivo|ejecutiva|especialista|representante|encargado|encargada)\b.{0,40}\b(te|le|lo|la|los|las|se)\s+(llamara|contactara|comunicara|escribira|atendera|marcara)`,
	`\b(te|le|los)\s+(llamaremos|contactaremos|escribiremos|marcaremos|atenderemos)\b`,
	`\b(nos pondremos|se pondra|se pondran)\s+en\s+contacto\b`,
	`\b(he|hemos|ya)\s+(notificado|avisado|escalado|transferido|canalizado)\b`,
	`\b(un|una)?\s*(miembro|persona|integrante)\s+de\s+(nuestro|mi)\s+equipo\b.{0,40}\b(te|le|se)\s+`,
	`\b(someone|an agent|a representative|a specialist|a member of our team|our team)\b.{0,40}\bwill\s+(call|contact|reach out|get in touch|follow up)`,
	`\bwe('| wi)ll\s+(call|contact|reach out to|get back to)\s+you\b`,
	`\b(i have|i've|we have|we've)\s+(notified|escalated|forwarded|transferred)\b`,
	`\b(cita|reserva|reservacion|pedido|orden|turno)\b.{0,40}\b(confirmad[oa]|agendad[oa]|programad[oa]|registrad[oa]|apartad[oa])\b`,
	`\b(he|hemos|ya)\s+(agendado|confirmado|reservado|programado|apartado|registrado)\b`,
	`\b(confirmamos|agendamos|reservamos|apartamos)\s+(tu|su)\s+(cita|reserva|reservacion|pedido|lugar|turno)\b`,
	`\b(appointment|booking|reservation|order)\b.{0,40}\b(is|was|has been|have been)\s+(confirmed|booked|scheduled|placed)\b`,
	`\b(i have|i've|we have|we've)\s+(booked|scheduled|confirmed|reserved)\b`,
	`\byou('re| are)\s+(all\s+)?(booked|confirmed|scheduled)\b`,
}

var builtinHumanAssistancePatterns = []string{
	`\b(hablar|comunicarme|platicar|contactar)\s+(con)?\s*(un|una|el|la|alguna|algun)?\s*(asesor|asesora|agente|humano|persona|ejecutivo|ejecutiva|encargado|encargada|representante|gerente)\b`,
	`\b(quiero|necesito|puedo|podria)\s+(que\s+me\s+)?(llame|llamen|atienda|atiendan)\b`,
	`\b(llamenme|llamame|marquenme)\b`,
	`\b(atencion|asistencia)\s+(humana|personalizada)\b`,
	`\b(talk|speak)\s+(to|with)\s+(a|an|the)?\s*(human|person|agent|representative|manager|someone)\b`,
	`\b(call me|real person|human agent)\b`,
}

var (
	confirmationRules    = compileBuiltins(builtinConfirmationPatterns)
	humanAssistanceRules = compileBuiltins(builtinHumanAssistancePatterns)
)

func compileBuiltins(patterns []string) []Rule {
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		rules = append(rules, Rule{Kind: RuleBuiltin, Source: p, re: regexp.MustCompile(p)})
	}
	return rules
}

// buildRules orders tenant phrases first, then the built-in confirmation patterns.
func buildRules(phrases []string) []Rule {
	rules := make([]Rule, 0, len(phrases)+len(confirmationRules))
	seen := make(map[string]struct{}, len(phrases))
	for _, p := range phrases {
		n := Normalize(p)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		rules = append(rules, Rule{Kind: RuleTenantPhrase, Source: p, phrase: n})
	}
	return append(rules, confirmationRules...)
}

func firstMatch(rules []Rule, normalized string) (Rule, bool) {
	for _, r := range rules {
		if r.matches(normalized) {
			return r, true
		}
	}
	return Rule{}, false
}
