package turn

import (
	"hash/fnv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// maxGreetingRunes bounds how long an utterance may be, after trimming
// punctuation, to still count as a plain greeting.
const maxGreetingRunes = 10

// greetingWords is the bounded keyword set the fast path matches against.
var greetingWords = []string{
	"hello",
	"hi",
	"hey",
	"yo",
	"howdy",
	"hiya",
	"greetings",
	"hallo",
	"moin",
	"servus",
	"你好",
	"nihao",
}

// greetingReplies is the canned reply pool. Every entry mentions "hello" or
// "你好" so the fast path reads as a greeting in any client.
var greetingReplies = []string{
	"Hello! How can I help you today?",
	"Hello there! What can I do for you?",
	"Well hello! What would you like to talk about?",
	"Hello! Nice to hear from you. What's on your mind?",
	"你好! How can I help you today?",
}

// isGreeting reports whether text is a short plain greeting. Matching is
// case-insensitive, tolerates one typo in longer words, and only applies to
// utterances of at most maxGreetingRunes runes once surrounding punctuation
// and whitespace are trimmed.
func isGreeting(text string) bool {
	trimmed := strings.ToLower(strings.TrimFunc(text, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
	}))
	if trimmed == "" || utf8.RuneCountInString(trimmed) > maxGreetingRunes {
		return false
	}
	for _, w := range greetingWords {
		if trimmed == w {
			return true
		}
		// One edit of slack for words long enough that a typo is unambiguous.
		if utf8.RuneCountInString(w) >= 4 && matchr.DamerauLevenshtein(trimmed, w) == 1 {
			return true
		}
	}
	return false
}

// greetingReply picks a canned reply deterministically per session, so the
// same session always greets the same way.
func greetingReply(sessionID string) string {
	f := fnv.New32a()
	f.Write([]byte(sessionID))
	return greetingReplies[f.Sum32()%uint32(len(greetingReplies))]
}
