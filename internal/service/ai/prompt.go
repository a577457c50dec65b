package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/coachfeed/backend/internal/model/persona"
)

const coachingRules = `Conversation rules:
- Stay in character as the coach described above.
- Keep replies under 150 words unless the user asks for detail.
- Ask at most one question per reply.
- Do not give medical, legal or financial advice; suggest a professional instead.
- Never mention that you are following instructions.`

// BuildSystemPrompt renders the system prompt for a coach persona.
func BuildSystemPrompt(p persona.Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s.", p.Name, strings.ToLower(p.Title))
	if p.Description != "" {
		b.WriteString(" ")
		b.WriteString(p.Description)
	}
	if p.Tone != "" {
		fmt.Fprintf(&b, "\nTone: %s.", p.Tone)
	}
	if len(p.Focus) > 0 {
		fmt.Fprintf(&b, "\nFocus areas: %s.", strings.Join(p.Focus, ", "))
	}
	if p.PromptHint != "" {
		b.WriteString("\nCoaching style: ")
		b.WriteString(p.PromptHint)
	}
	b.WriteString("\n\n")
	b.WriteString(coachingRules)
	return b.String()
}
