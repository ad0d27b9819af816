package message

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var sizeUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// FormatBytes renders n using 1024-based units with two decimals.
// Zero and negative sizes render as "0 Bytes".
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	value := float64(n)
	unit := 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", value, sizeUnits[unit])
}

var mediaLabels = map[Kind]string{
	KindImage:    "Image",
	KindAudio:    "Audio",
	KindVideo:    "Video",
	KindDocument: "Document",
	KindSticker:  "Sticker",
}

// MediaContent builds the display text for a media message. A caption wins;
// otherwise the label and size are shown, preferring the actual size once known.
func MediaContent(ref *MediaReference) string {
	if ref == nil {
		return "[Media]"
	}
	if c := strings.TrimSpace(ref.Caption); c != "" {
		return c
	}
	label, ok := mediaLabels[ref.Kind]
	if !ok {
		label = "Media"
	}
	size := ref.DeclaredSize
	if ref.Size > 0 {
		size = ref.Size
	}
	if ref.Kind == KindDocument && ref.Filename != "" {
		return fmt.Sprintf("[%s] %s (%s)", label, ref.Filename, FormatBytes(size))
	}
	return fmt.Sprintf("[%s] %s", label, FormatBytes(size))
}

// Preview truncates s to at most maxRunes runes without splitting a character.
func Preview(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes])
}
