// Package idwords turns fingerprints into short word lists people can read
// to each other when pinning a peer.
package idwords

import (
	"embed"
	"strings"
	"sync"
)

//go:embed words.txt
var wordsFS embed.FS

// Count is how many words Encode emits by default.
const Count = 6

var (
	wordlist   []string
	wordindex  map[string]int
	wordlistMu sync.Once
)

func loadWordlist() {
	wordlistMu.Do(func() {
		b, _ := wordsFS.ReadFile("words.txt")
		s := strings.TrimSpace(string(b))
		if s == "" {
			return
		}
		wordlist = strings.Split(s, "\n")
		wordindex = make(map[string]int, len(wordlist))
		for i, w := range wordlist {
			wordlist[i] = strings.TrimSpace(w)
			wordindex[wordlist[i]] = i
		}
	})
}

// Encode maps the first n bytes of b to words (one byte per word), joined
// with "-". Fewer bytes than n give fewer words.
func Encode(b []byte, n int) string {
	loadWordlist()
	if len(wordlist) < 256 {
		return ""
	}
	if n > len(b) {
		n = len(b)
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = wordlist[b[i]]
	}
	return strings.Join(parts, "-")
}

// Decode reverses Encode.
func Decode(s string) ([]byte, bool) {
	loadWordlist()
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, "-")
	out := make([]byte, len(parts))
	for i, p := range parts {
		idx, ok := wordindex[strings.ToLower(strings.TrimSpace(p))]
		if !ok || idx > 255 {
			return nil, false
		}
		out[i] = byte(idx)
	}
	return out, true
}

// Matches reports whether words is the Encode form of a prefix of b.
func Matches(words string, b []byte) bool {
	got, ok := Decode(words)
	if !ok || len(got) > len(b) {
		return false
	}
	for i := range got {
		if got[i] != b[i] {
			return false
		}
	}
	return true
}
