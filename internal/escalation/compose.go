package escalation

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/memohai/concierge/internal/conversation"
)

var (
	refPattern       = regexp.MustCompile(`\[ref:([A-Za-z0-9-]+)\]`)
	orderedMarker    = regexp.MustCompile(`^(\d{1,9})([.)])`)
	markdownSpecials = strings.NewReplacer(
		`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`,
		"[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`, "!", `\!`,
		"<", `\<`, ">", `\>`, "#", `\#`, "&", `\&`, "|", `\|`, "~", `\~`,
	)
)

// Composition is a rendered escalation email.
type Composition struct {
	Subject  string
	Markdown string
	HTML     string
}

type composeInput struct {
	TenantName      string
	Conversation    conversation.Conversation
	ExternalAddress string
	TriggeringText  string
	History         []conversation.Message
	DashboardURL    string
}

// SubjectRef tags a subject so operator replies can be routed back to the conversation.
func SubjectRef(conversationID string) string {
	return "[ref:" + conversationID + "]"
}

// ParseRef extracts the conversation id from a subject carrying SubjectRef.
func ParseRef(subject string) (string, bool) {
	m := refPattern.FindStringSubmatch(subject)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

func DeepLink(baseURL, conversationID string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return ""
	}
	return base + "/conversations/" + conversationID
}

func compose(in composeInput) (Composition, error) {
	name := strings.TrimSpace(in.TenantName)
	if name == "" {
		name = "Concierge"
	}
	subject := fmt.Sprintf("[%s] Seguimiento requerido: %s %s", name, in.ExternalAddress, SubjectRef(in.Conversation.ID))

	var md strings.Builder
	md.WriteString("## Seguimiento requerido\n\n")
	fmt.Fprintf(&md, "**Negocio:** %s  \n", escape(name))
	fmt.Fprintf(&md, "**Cliente:** %s\n\n", escape(in.ExternalAddress))
	md.WriteString("El asistente indicó que una persona del equipo dará seguimiento:\n\n")
	for _, line := range strings.Split(strings.TrimSpace(in.TriggeringText), "\n") {
		md.WriteString("> " + escapeLine(line) + "\n")
	}
	md.WriteString("\n")

	if len(in.History) > 0 {
		md.WriteString("### Últimos mensajes\n\n")
		for _, m := range in.History {
			fmt.Fprintf(&md, "- **%s** (%s): %s\n", senderLabel(m.SenderKind), m.CreatedAt.UTC().Format(time.DateTime), escape(oneLine(m.Content)))
		}
		md.WriteString("\n")
	}
	if link := in.DashboardURL; link != "" {
		fmt.Fprintf(&md, "[Abrir conversación](%s)\n\n", link)
	}
	md.WriteString("Responde a este correo para contestar al cliente por WhatsApp. La respuesta pausa al asistente en esta conversación.\n")

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(md.String()), &html); err != nil {
		return Composition{}, fmt.Errorf("render escalation email: %w", err)
	}
	return Composition{Subject: subject, Markdown: md.String(), HTML: html.String()}, nil
}

func senderLabel(kind string) string {
	switch kind {
	case conversation.SenderUser:
		return "Cliente"
	case conversation.SenderAssistant:
		return "Asistente"
	default:
		return "Equipo"
	}
}

func oneLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func escape(text string) string {
	return markdownSpecials.Replace(text)
}

// escapeLine also neutralizes block markers that only apply at the start of a line.
func escapeLine(text string) string {
	text = escape(strings.TrimSpace(text))
	if text == "" {
		return text
	}
	switch text[0] {
	case '-', '+', '=':
		return `\` + text
	}
	return orderedMarker.ReplaceAllString(text, `${1}\${2}`)
}
