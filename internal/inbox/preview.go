package inbox

// PreviewLimit is the number of characters kept from a text body.
const PreviewLimit = 50

const ellipsis = "…"

var mediaLabels = map[Type]string{
	TypeImage:    "[Image]",
	TypeAudio:    "[Audio]",
	TypeVideo:    "[Video]",
	TypeDocument: "[Document]",
}

// Preview renders the one-line summary of a message shown in the
// conversation list.
func Preview(m Message) string {
	switch c := m.Content.(type) {
	case TextContent:
		return truncate(c.Body, PreviewLimit)
	case MediaContent:
		if c.Caption != "" {
			return truncate(c.Caption, PreviewLimit)
		}
		if c.Kind == TypeDocument && c.Filename != "" {
			return truncate(c.Filename, PreviewLimit)
		}
		if label, ok := mediaLabels[c.Kind]; ok {
			return label
		}
	}
	return "[Unsupported]"
}

// truncate cuts s to n runes and appends an ellipsis when anything was cut.
func truncate(s string, n int) string {
	runes := 0
	for i := range s {
		if runes == n {
			return s[:i] + ellipsis
		}
		runes++
	}
	return s
}
