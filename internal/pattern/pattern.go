// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pattern implements the glob grammar used by the KEYS command:
// '*', '?', '[...]'/'[^...]' character classes with '-' ranges, and '\'
// escapes outside and inside a class.
package pattern

import "unicode"

// Matches reports whether s, taken as a whole, matches pattern under the
// glob grammar. When caseSensitive is false, ASCII letters compare without
// regard to case.
func Matches(pattern, s string, caseSensitive bool) bool {
	return matchLen([]byte(pattern), []byte(s), !caseSensitive)
}

func matchLen(pattern, s []byte, nocase bool) bool {
	for len(pattern) > 0 && len(s) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for len(s) > 0 {
				if matchLen(pattern[1:], s, nocase) {
					return true
				}
				s = s[1:]
			}
			return false

		case '?':
			s = s[1:]

		case '[':
			if !hasClassTerminator(pattern[1:]) {
				// unterminated class: the '[' is a literal character.
				if nocase {
					if foldASCII(rune(pattern[0])) != foldASCII(rune(s[0])) {
						return false
					}
				} else if pattern[0] != s[0] {
					return false
				}
				s = s[1:]
				pattern = pattern[1:]
				if len(s) == 0 {
					for len(pattern) > 0 && pattern[0] == '*' {
						pattern = pattern[1:]
					}
				}
				continue
			}

			pattern = pattern[1:]
			negate := len(pattern) > 0 && pattern[0] == '^'
			if negate {
				pattern = pattern[1:]
			}
			matched := false
			for {
				if len(pattern) == 0 {
					break
				}
				if pattern[0] == '\\' && len(pattern) >= 2 {
					pattern = pattern[1:]
					if pattern[0] == s[0] {
						matched = true
					}
				} else if pattern[0] == ']' {
					break
				} else if len(pattern) >= 3 && pattern[1] == '-' {
					lo, hi := rune(pattern[0]), rune(pattern[2])
					c := rune(s[0])
					if lo > hi {
						lo, hi = hi, lo
					}
					if nocase {
						lo = foldASCII(lo)
						hi = foldASCII(hi)
						c = foldASCII(c)
					}
					if c >= lo && c <= hi {
						matched = true
					}
					pattern = pattern[2:]
				} else {
					if nocase {
						if foldASCII(rune(pattern[0])) == foldASCII(rune(s[0])) {
							matched = true
						}
					} else if pattern[0] == s[0] {
						matched = true
					}
				}
				pattern = pattern[1:]
			}
			if negate {
				matched = !matched
			}
			if !matched {
				return false
			}
			s = s[1:]

		case '\\':
			if len(pattern) >= 2 {
				pattern = pattern[1:]
			}
			fallthrough

		default:
			if nocase {
				if foldASCII(rune(pattern[0])) != foldASCII(rune(s[0])) {
					return false
				}
			} else if pattern[0] != s[0] {
				return false
			}
			s = s[1:]
		}

		pattern = pattern[1:]
		if len(s) == 0 {
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			break
		}
	}

	if len(s) == 0 {
		for len(pattern) > 0 && pattern[0] == '*' {
			pattern = pattern[1:]
		}
	}

	return len(pattern) == 0 && len(s) == 0
}

// foldASCII lowercases only ASCII letters, matching the reference
// matcher's use of tolower() rather than full Unicode case folding.
func foldASCII(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return unicode.ToLower(r)
	}
	return r
}

// hasClassTerminator reports whether rest contains an unescaped ']'
// closing a character class opened by '['.
func hasClassTerminator(rest []byte) bool {
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '\\':
			i++ // skip the escaped character
		case ']':
			return true
		}
	}
	return false
}
