package permission

import (
	"strings"
	"unicode"
)

// Classification is the safety class of a tool, judged from its name.
type Classification int

const (
	// Safe tools only read.
	Safe Classification = iota
	// Mutating tools change state somewhere.
	Mutating
	// Unknown tools match neither word list.
	Unknown
)

func (c Classification) String() string {
	switch c {
	case Safe:
		return "safe"
	case Mutating:
		return "mutating"
	default:
		return "unknown"
	}
}

var safeWords = map[string]bool{
	"read": true, "get": true, "list": true, "search": true, "view": true,
	"show": true, "describe": true, "fetch": true, "query": true, "find": true,
	"lookup": true, "check": true, "info": true, "status": true, "count": true,
	"exists": true, "is": true, "has": true, "can": true, "validate": true,
	"scan": true, "stat": true, "cat": true, "ls": true, "diff": true, "log": true,
}

var mutatingWords = map[string]bool{
	"write": true, "update": true, "delete": true, "execute": true, "exec": true,
	"run": true, "create": true, "set": true, "modify": true, "remove": true,
	"rm": true, "post": true, "put": true, "patch": true, "send": true,
	"invoke": true, "start": true, "stop": true, "kill": true, "terminate": true,
	"restart": true, "reboot": true, "install": true, "uninstall": true,
	"enable": true, "disable": true, "add": true, "drop": true, "truncate": true,
	"clear": true, "reset": true, "init": true, "apply": true, "deploy": true,
	"publish": true, "submit": true, "approve": true, "reject": true,
	"close": true, "lock": true, "unlock": true, "grant": true, "revoke": true,
	"move": true, "mv": true, "rename": true, "copy": true, "cp": true,
	"mkdir": true, "edit": true, "append": true, "insert": true, "commit": true,
	"push": true, "merge": true, "upload": true, "save": true,
}

// Classify judges a tool by the words of its name. A server or namespace
// prefix ("fs:read_file", "fs.read_file") is ignored. Mutating words win
// over safe ones.
func Classify(tool string) Classification {
	if i := strings.LastIndexAny(tool, ":."); i >= 0 {
		tool = tool[i+1:]
	}
	words := splitWords(tool)
	for _, w := range words {
		if mutatingWords[w] {
			return Mutating
		}
	}
	for _, w := range words {
		if safeWords[w] {
			return Safe
		}
	}
	return Unknown
}

// splitWords breaks snake_case, kebab-case and camelCase into lower-case words.
func splitWords(s string) []string {
	var (
		words []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	prevLower := false
	for _, r := range s {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
			prevLower = false
			continue
		case unicode.IsUpper(r) && prevLower:
			flush()
		}
		cur.WriteRune(unicode.ToLower(r))
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	flush()
	return words
}
