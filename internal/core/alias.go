package core

import (
	"regexp"
	"strings"
)

// Alias tokens are written as {name}, {{name}}, ${name} or @name. Names start with a
// letter or underscore and may contain spaces, dots and hyphens.
const aliasName = `([A-Za-z_][\w .\-]*?)`

var (
	aliasTokenPattern = regexp.MustCompile(
		`\{\{\s*` + aliasName + `\s*\}\}|\$\{\s*` + aliasName + `\s*\}|\{\s*` + aliasName + `\s*\}`)
	atAliasPattern  = regexp.MustCompile(`^@` + aliasName + `$`)
	aliasSeparators = regexp.MustCompile(`[\s.\-]+`)
)

// IsAliasToken reports whether s is exactly one alias token. A bare "@name" is
// accepted as a whole token but never matched inside free text.
func IsAliasToken(s string) bool {
	s = strings.TrimSpace(s)
	if atAliasPattern.MatchString(s) {
		return true
	}
	loc := aliasTokenPattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// NormalizeAlias strips the markers from a token and case-folds the name.
// "{Previous Result}" and "{{previous-result}}" both become "previous_result".
func NormalizeAlias(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if !IsAliasToken(token) {
		return "", false
	}
	m := aliasTokenPattern.FindStringSubmatch(token)
	if m == nil {
		m = atAliasPattern.FindStringSubmatch(token)
	}
	var name string
	for _, g := range m[1:] {
		if g != "" {
			name = g
			break
		}
	}
	name = aliasSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	name = strings.Trim(name, "_")
	return name, name != ""
}

// AliasToken renders a normalized name in canonical token form.
func AliasToken(name string) string {
	return "{" + name + "}"
}

// FindAliasTokens returns every alias token in text in order of appearance.
func FindAliasTokens(text string) []string {
	return aliasTokenPattern.FindAllString(text, -1)
}

// ReplaceAliasTokens rewrites each token in text using fn. Tokens for which fn
// reports false are left untouched.
func ReplaceAliasTokens(text string, fn func(name string) (string, bool)) string {
	return aliasTokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		name, ok := NormalizeAlias(token)
		if !ok {
			return token
		}
		if repl, ok := fn(name); ok {
			return repl
		}
		return token
	})
}
