package classifier

import (
	"fmt"
	"strings"
)

const systemPrompt = `You classify companies into a single industry based on a digest of their website.
Respond with ONLY a JSON object: {"classification": string, "confidence": number 1-10, "reasoning": string}.
Use a concise industry label such as "Legal Services", "Software", or "Construction".
If the content does not allow a classification, use "ERROR" as the classification.`

func buildUserPrompt(req Request) string {
	var b strings.Builder
	if req.Website != "" {
		fmt.Fprintf(&b, "Company website: %s\n", req.Website)
	}
	if req.Email != "" {
		fmt.Fprintf(&b, "Contact email: %s\n", req.Email)
	}
	b.WriteString("\nWebsite digest:\n")
	b.WriteString(req.Digest)
	return b.String()
}
