package session

import (
	"strings"
	"unicode/utf8"
)

const (
	PlaceholderTitle = "New Chat"
	titleMaxRunes    = 30

	WelcomeText = "Hello! I am your AI assistant. Ask me anything, or upload a text file for analysis."
)

// TitleFrom derives a conversation title from the first user turn: the
// trimmed text cut to 30 characters, with "..." appended when it was longer.
// Inner whitespace, newlines included, is kept as typed.
func TitleFrom(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	return string([]rune(text)[:titleMaxRunes]) + "..."
}
