package utils

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ghettovoice/gosip/sip"
)

var (
	ErrPort    = errors.New("invalid port")
	ErrAddress = errors.New("invalid address")
)

// SplitHostPort accepts "host", "host:port", ":port", "[v6]" and "[v6]:port".
// A missing part is returned empty/zero.
func SplitHostPort(addr string) (string, uint16, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0, nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// no port present
		host = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
		if strings.ContainsAny(host, "[]") {
			return "", 0, fmt.Errorf("%w: %q", ErrAddress, addr)
		}
		return host, 0, nil
	}
	if port == "" {
		return host, 0, nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrPort, port)
	}
	return host, uint16(p), nil
}

// JoinHostPort formats host and port, bracketing IPv6 literals.
func JoinHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// SplitAddress splits a SIP name-addr/addr-spec such as
//
//	"Display" <sip:user@host;uri-params>;addr-params
//
// into its display name, URI and trailing address parameters (without the
// leading ';'). Without angle brackets everything after the first ';' is
// treated as address parameters.
func SplitAddress(s string) (display, uri, params string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", "", fmt.Errorf("%w: empty", ErrAddress)
	}

	lt := strings.IndexByte(s, '<')
	if lt < 0 {
		if i := strings.IndexByte(s, ';'); i >= 0 {
			return "", strings.TrimSpace(s[:i]), s[i+1:], nil
		}
		return "", s, "", nil
	}

	gt := strings.IndexByte(s[lt:], '>')
	if gt < 0 {
		return "", "", "", fmt.Errorf("%w: missing '>' in %q", ErrAddress, s)
	}
	gt += lt

	display = strings.TrimSpace(s[:lt])
	display = strings.Trim(display, `"`)
	uri = strings.TrimSpace(s[lt+1 : gt])
	rest := strings.TrimSpace(s[gt+1:])
	rest = strings.TrimPrefix(rest, ";")
	return display, uri, rest, nil
}

// ParseParams decodes ';'-separated name[=value] pairs. Quoted values may
// contain ';'. Values are returned unquoted, flags without value map to nil.
func ParseParams(s string) (sip.Params, error) {
	params := sip.NewParams()
	for _, field := range splitQuoted(s, ';') {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, value, hasValue := strings.Cut(field, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty parameter name in %q", ErrAddress, s)
		}
		if !hasValue {
			params.Add(name, nil)
			continue
		}
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, `"`) {
			if len(value) < 2 || !strings.HasSuffix(value, `"`) {
				return nil, fmt.Errorf("%w: unterminated quote in %q", ErrAddress, field)
			}
			value = value[1 : len(value)-1]
		}
		params.Add(name, sip.String{Str: value})
	}
	return params, nil
}

// ParamValue returns the string value of name, "" when absent or a flag.
func ParamValue(params sip.Params, name string) string {
	if params == nil {
		return ""
	}
	v, ok := params.Get(name)
	if !ok || v == nil {
		return ""
	}
	return v.String()
}

func splitQuoted(s string, sep byte) []string {
	var (
		out    []string
		quoted bool
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case sep:
			if !quoted {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}
