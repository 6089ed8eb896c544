// Package auth implements the HTTP-level authentication state machine for
// talking to OCI distribution-spec registries: challenge parsing, scope
// accumulation, a per-host token cache, and the retrying *Client that ties
// them together.
package auth

import (
	"fmt"
	"strings"

	"github.com/ocidist/ocidist/ociclient/errdef"
)

// Scheme identifies how a WWW-Authenticate challenge (or a cached
// credential) authenticates requests.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeBasic
	SchemeBearer
)

func (s Scheme) String() string {
	switch s {
	case SchemeBasic:
		return "Basic"
	case SchemeBearer:
		return "Bearer"
	default:
		return "Unknown"
	}
}

// Challenge is one parsed WWW-Authenticate header value.
type Challenge struct {
	Scheme Scheme
	Params map[string]string
}

// tokenRegexp-equivalent: the set of characters composing an unquoted
// challenge token, per RFC 7235 / RFC 2616 token grammar referenced by the
// distribution spec.
func isTokenChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// ParseChallenge parses a single WWW-Authenticate header value.
//
// The scheme word is case-insensitive. What follows, if anything, is a
// comma-separated list of key=value or key="quoted value" pairs
// separated by arbitrary whitespace. Duplicate keys are an error.
// An unrecognized scheme word yields SchemeUnknown with a nil Params map,
// and so does a scheme word followed by a bare token with no '=' (e.g.
// "BASIC abc").
func ParseChallenge(header string) (Challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Challenge{Scheme: SchemeUnknown}, nil
	}
	sp := strings.IndexAny(header, " \t")
	var schemeWord, rest string
	if sp == -1 {
		schemeWord = header
	} else {
		schemeWord = header[:sp]
		rest = strings.TrimSpace(header[sp+1:])
	}

	scheme := SchemeUnknown
	switch strings.ToLower(schemeWord) {
	case "basic":
		scheme = SchemeBasic
	case "bearer":
		scheme = SchemeBearer
	}

	if rest == "" {
		return Challenge{Scheme: scheme}, nil
	}

	params, ok, err := parseParams(rest)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %s", errdef.ErrInvalidChallenge, err)
	}
	if !ok {
		// looked like "BASIC abc": a bare token, not key=value pairs.
		return Challenge{Scheme: SchemeUnknown}, nil
	}
	if scheme == SchemeUnknown {
		return Challenge{Scheme: SchemeUnknown}, nil
	}
	return Challenge{Scheme: scheme, Params: params}, nil
}

// parseParams parses "key=value, key2="quoted, value", ..." into a map.
// ok is false if rest does not look like key=value pairs at all (no '='
// found before the first separator), which the caller treats as an
// unknown-scheme challenge rather than a parse error.
func parseParams(rest string) (map[string]string, bool, error) {
	params := map[string]string{}
	i := 0
	n := len(rest)
	sawAny := false
	for i < n {
		for i < n && (rest[i] == ' ' || rest[i] == '\t' || rest[i] == ',') {
			i++
		}
		if i >= n {
			break
		}
		keyStart := i
		for i < n && isTokenChar(rune(rest[i])) {
			i++
		}
		key := rest[keyStart:i]
		if key == "" {
			return nil, false, fmt.Errorf("expected token at position %d", i)
		}
		for i < n && (rest[i] == ' ' || rest[i] == '\t') {
			i++
		}
		if i >= n || rest[i] != '=' {
			if !sawAny {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("expected '=' after %q", key)
		}
		i++ // consume '='
		for i < n && (rest[i] == ' ' || rest[i] == '\t') {
			i++
		}
		var value string
		if i < n && rest[i] == '"' {
			i++
			valStart := i
			for i < n && rest[i] != '"' {
				i++
			}
			if i >= n {
				return nil, false, fmt.Errorf("unterminated quoted value for %q", key)
			}
			value = rest[valStart:i]
			i++ // consume closing quote
		} else {
			valStart := i
			for i < n && isTokenChar(rune(rest[i])) {
				i++
			}
			value = rest[valStart:i]
		}
		if _, dup := params[key]; dup {
			return nil, false, fmt.Errorf("duplicate parameter %q", key)
		}
		params[key] = value
		sawAny = true
		for i < n && (rest[i] == ' ' || rest[i] == '\t') {
			i++
		}
		if i < n && rest[i] == ',' {
			i++
			continue
		}
		if i < n {
			// trailing garbage before end of string with no comma:
			// still parse best-effort by continuing the main loop,
			// which will re-skip whitespace.
			continue
		}
	}
	return params, true, nil
}

// ParseChallenges splits a full WWW-Authenticate response (potentially
// containing multiple header values, as net/http exposes via
// Header.Values) into individual Challenges, skipping entries that fail
// to parse.
func ParseChallenges(headerValues []string) []Challenge {
	challenges := make([]Challenge, 0, len(headerValues))
	for _, h := range headerValues {
		for _, part := range splitChallengeHeaders(h) {
			c, err := ParseChallenge(part)
			if err != nil {
				continue
			}
			challenges = append(challenges, c)
		}
	}
	return challenges
}

// splitChallengeHeaders exists to isolate the (rare, RFC 7235-legal but
// unsupported) case of multiple challenges packed into one header value.
// Registries in practice send one challenge per Www-Authenticate value,
// so each value is parsed as a single Challenge.
func splitChallengeHeaders(h string) []string {
	return []string{h}
}
