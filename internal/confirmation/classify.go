package confirmation

import (
	"strings"
	"unicode"
)

// Response is the meaning of a reply.
type Response int

const (
	Unrecognized Response = iota
	Affirmative
	Negative
)

var affirmativeWords = map[string]struct{}{
	"yes": {}, "yeah": {}, "yep": {}, "yup": {}, "sure": {}, "ok": {}, "okay": {},
	"here": {}, "confirm": {}, "confirmed": {}, "present": {}, "y": {},
}

var negativeWords = map[string]struct{}{
	"no": {}, "nope": {}, "nah": {}, "not": {}, "later": {}, "stop": {}, "cancel": {}, "n": {},
}

// Classify inspects the words of a reply. A negative word wins over an affirmative one,
// so "not now, yes later" declines.
func Classify(text string) Response {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	result := Unrecognized
	for _, w := range words {
		if _, ok := negativeWords[w]; ok {
			return Negative
		}
		if _, ok := affirmativeWords[w]; ok {
			result = Affirmative
		}
	}
	return result
}
