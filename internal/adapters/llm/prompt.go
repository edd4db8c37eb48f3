package llm

import "fmt"

// TitlePrompt asks for a short title for a chat that starts with message.
func TitlePrompt(message string) string {
	return fmt.Sprintf(
		"Generate a very short, concise title (max 5 words) for a chat that starts with this message: %q. "+
			"Respond ONLY with the title text. Do not use quotes or markdown.",
		message,
	)
}
