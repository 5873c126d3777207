package presence

import "fmt"

// TypingText renders the typing indicator line for the given names.
func TypingText(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", names[0])
	case 2:
		return fmt.Sprintf("%s & %s are typing…", names[0], names[1])
	default:
		return "Multiple people are typing…"
	}
}
