package identity

import (
	"strings"

	"github.com/emersion/go-imap/utf7"
	"golang.org/x/text/unicode/norm"
)

// NormalizeFolder returns the decoded, NFC-normalized form of a folder
// name used for comparisons. Names in modified UTF-7 are decoded first and
// INBOX is case-insensitive.
func NormalizeFolder(name string) string {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "&") {
		if decoded, err := utf7.Encoding.NewDecoder().String(name); err == nil {
			name = decoded
		}
	}
	name = norm.NFC.String(name)
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	if len(name) > 5 && strings.EqualFold(name[:5], "INBOX") && (name[5] == '/' || name[5] == '.') {
		return "INBOX" + name[5:]
	}
	return name
}

// SameFolder reports whether two folder names address the same mailbox
func SameFolder(a, b string) bool {
	return NormalizeFolder(a) == NormalizeFolder(b)
}

// MaskEmail masks an address for logging
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 2 {
			return strings.Repeat("*", len(part))
		}
		return part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
	}
	return mask(s[:at]) + "@" + s[at+1:]
}
