package message

import (
	"mime"
	"strings"
)

// decodeWords decodes any RFC 2047 encoded-words in unstructured text into
// UTF-8. Undecodable words are left as-is.
func decodeWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	r, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return r
}

// encodeWord encodes s as RFC 2047 encoded-words in utf-8, using whichever
// of B or Q encoding is shorter. ASCII-only input is returned unchanged.
func encodeWord(s string) string {
	if isASCII(s) {
		return s
	}
	b := mime.BEncoding.Encode("utf-8", s)
	q := mime.QEncoding.Encode("utf-8", s)
	if len(q) <= len(b) {
		return q
	}
	return b
}

// needsEncoding reports whether any byte of s is >= 0x80.
func needsEncoding(s string) bool {
	return !isASCII(s)
}
