package store

import (
	"strings"
	"unicode"
)

// Arabic Unicode block.
const (
	arabicFirst = '\u0600'
	arabicLast  = '\u06FF'
)

// Tokenize lowercases text and splits it into lexical tokens.
//
// Letters, digits and every rune of the Arabic block are token characters;
// anything else separates tokens. Empty tokens are never produced. Ingestion
// and query scoring must both go through this function.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	return strings.FieldsFunc(strings.ToLower(text), isSeparator)
}

func isSeparator(r rune) bool {
	return !isTokenRune(r)
}

func isTokenRune(r rune) bool {
	if r >= arabicFirst && r <= arabicLast {
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
