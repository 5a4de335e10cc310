package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/voicelayer/sonicgate/internal/tools"
	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// personaPreamble frames the assistant for spoken output. It is shared by
// every session; the per-user greeting and tool list are appended by
// ComposeSystemPrompt.
const personaPreamble = "You are a friendly voice assistant that helps the user manage tasks and notes. " +
	"You are speaking out loud: keep replies short, natural and conversational, and never read out " +
	"identifiers, JSON or other machine syntax. When the user asks about their data, call the matching " +
	"tool rather than guessing, and summarise the outcome in plain language."

// ComposeSystemPrompt builds the system prompt for one session: the shared
// persona, a greeting line naming the user, and a plain-language summary of
// the registered tools. The output is deterministic for a given input so
// repeated turns replay the same prompt.
func ComposeSystemPrompt(username string, defs []tools.Definition) string {
	var b strings.Builder
	b.WriteString(personaPreamble)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "You are speaking with %s. Greet them by name when the conversation starts.\n\n", username)

	if len(defs) == 0 {
		b.WriteString("No tools are available in this session.")
		return b.String()
	}

	b.WriteString("You can use these tools:\n")
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s: %s %s\n", def.Name, def.Description, describeParams(def.Schema))
	}
	return b.String()
}

type promptSchema struct {
	Properties map[string]promptProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

type promptProperty struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// describeParams renders a tool's JSON schema as one spoken-friendly
// sentence. Required parameters come first in schema order, optional ones
// follow alphabetically.
func describeParams(schema json.RawMessage) string {
	var s promptSchema
	if err := json.Unmarshal(schema, &s); err != nil || len(s.Properties) == 0 {
		return "Takes no parameters."
	}

	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}

	var optional []string
	for name := range s.Properties {
		if !required[name] {
			optional = append(optional, name)
		}
	}
	sort.Strings(optional)

	var parts []string
	for _, name := range s.Required {
		prop, ok := s.Properties[name]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s, required): %s", name, prop.Type, prop.Description))
	}
	for _, name := range optional {
		prop := s.Properties[name]
		parts = append(parts, fmt.Sprintf("%s (%s, optional): %s", name, prop.Type, prop.Description))
	}
	if len(parts) == 0 {
		return "Takes no parameters."
	}
	return "Parameters: " + strings.Join(parts, "; ") + "."
}

// toolSpecs converts registry definitions into the shape the model's
// prompt-start event expects.
func toolSpecs(defs []tools.Definition) []novasonic.ToolSpec {
	specs := make([]novasonic.ToolSpec, len(defs))
	for i, def := range defs {
		specs[i] = novasonic.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema,
		}
	}
	return specs
}
