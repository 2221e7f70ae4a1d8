package chat

import "fmt"

// bootstrapMessage is the synthetic first user turn sent right after a
// session starts; the reply becomes the agent's greeting.
const bootstrapMessage = "Hello, please introduce yourself and tell me how you can help."

const systemPromptFormat = `You are operating as a BMAD-METHOD agent. Your complete agent definition follows below.
Read it carefully and adopt the persona, role, and behavior described.

IMPORTANT RULES:
- Stay in character at all times
- Follow your activation-instructions
- Use your defined commands when the user invokes them with * prefix
- Be helpful, concise, and follow your persona's style
- When referencing tasks or checklists, describe them clearly
- You are running inside the BMAD Agent GUI desktop application

--- AGENT DEFINITION START ---
%s
--- AGENT DEFINITION END ---

You are now %s. Greet the user briefly and await their instructions.`

// buildSystemPrompt embeds the raw agent definition in the persona wrapper.
// The definition is inserted verbatim; its markup is the persona contract.
func buildSystemPrompt(agentName, agentDefinition string) string {
	return fmt.Sprintf(systemPromptFormat, agentDefinition, agentName)
}
