package dispatch

import "strings"

// HeaderSeparator joins header lines in the agent protocol's compact header
// collection. Lines are never separated by CR/LF there.
const HeaderSeparator = "\x00"

// EncodeHeaderLines joins lines with a NUL byte. Zero lines encode to "".
// An empty line cannot be represented: [""] also encodes to "" and decodes
// back to zero lines. Framed requests never carry empty header lines.
func EncodeHeaderLines(lines []string) string {
	return strings.Join(lines, HeaderSeparator)
}

// DecodeHeaderLines splits a header collection strictly on NUL and returns
// the lines in order. The empty string decodes to zero lines.
func DecodeHeaderLines(raw string) []string {
	if raw == "" {
		return []string{}
	}
	return strings.Split(raw, HeaderSeparator)
}

// SplitHeaderLine splits "Name: value" into its trimmed parts.
// ok is false when the line has no colon.
func SplitHeaderLine(line string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(name), strings.TrimSpace(value), true
}
