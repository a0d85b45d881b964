// Package session tracks per-partition session tokens so that a client keeps
// observing its own writes after failing over to another region.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformedToken is returned by ParseHeader for input that does not match
// the id:lsn[,global][;...] form.
var ErrMalformedToken = errors.New("session: malformed token")

// Token is a position in a partition's replication log. LSN is the local
// sequence number of the region that served the response; GlobalLSN is the
// globally committed one.
type Token struct {
	LSN       int64
	GlobalLSN int64
}

// Merge returns the component-wise maximum of a and b.
func Merge(a, b Token) Token {
	return Token{LSN: max(a.LSN, b.LSN), GlobalLSN: max(a.GlobalLSN, b.GlobalLSN)}
}

// Less reports whether t is dominated by o: no component is greater and at
// least one is smaller.
func (t Token) Less(o Token) bool {
	return t.LSN <= o.LSN && t.GlobalLSN <= o.GlobalLSN && t != o
}

// IsZero reports whether the token carries no position.
func (t Token) IsZero() bool {
	return t == Token{}
}

func (t Token) String() string {
	return strconv.FormatInt(t.LSN, 10) + "," + strconv.FormatInt(t.GlobalLSN, 10)
}

// ParseHeader decodes a session token header of the form
//
//	rangeID:lsn,globalLSN[;rangeID:lsn,globalLSN...]
//
// A bare "rangeID:lsn" is accepted with GlobalLSN equal to LSN. Repeated
// range IDs are merged. An empty string yields an empty map.
func ParseHeader(s string) (map[string]Token, error) {
	out := make(map[string]Token)
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, rest, ok := strings.Cut(part, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedToken, part)
		}

		lsnStr, globalStr, hasGlobal := strings.Cut(rest, ",")
		lsn, err := strconv.ParseInt(lsnStr, 10, 64)
		if err != nil || lsn < 0 {
			return nil, fmt.Errorf("%w: %q: bad lsn", ErrMalformedToken, part)
		}
		global := lsn
		if hasGlobal {
			global, err = strconv.ParseInt(globalStr, 10, 64)
			if err != nil || global < 0 {
				return nil, fmt.Errorf("%w: %q: bad global lsn", ErrMalformedToken, part)
			}
		}
		out[id] = Merge(out[id], Token{LSN: lsn, GlobalLSN: global})
	}
	return out, nil
}

// FormatHeader encodes tokens in ParseHeader's format, ordered by range ID.
func FormatHeader(tokens map[string]Token) string {
	ids := make([]string, 0, len(tokens))
	for id := range tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(id)
		b.WriteByte(':')
		b.WriteString(tokens[id].String())
	}
	return b.String()
}
