package pgurl

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Params is the subset of libpq connection parameters the monitor and
// keeper need to address a Postgres instance.
type Params struct {
	Host     string
	Port     int
	DBName   string
	User     string
	Password string
	SSLMode  string
}

// BuildURI renders p as a canonical postgres://user@host:port/dbname?sslmode=…
// URI. User, password and sslmode are omitted from the query/userinfo when
// empty.
func BuildURI(p Params) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.DBName,
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	if p.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", p.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ParseURI parses a postgres:// or postgresql:// URI into Params.
func ParseURI(s string) (Params, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Params{}, fmt.Errorf("parse uri: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return Params{}, fmt.Errorf("parse uri: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Params{}, fmt.Errorf("parse uri: bad port %q: %w", p, err)
		}
	}

	params := Params{
		Host:   host,
		Port:   port,
		DBName: strings.TrimPrefix(u.Path, "/"),
	}
	if u.User != nil {
		params.User = u.User.Username()
		params.Password, _ = u.User.Password()
	}
	params.SSLMode = u.Query().Get("sslmode")
	return params, nil
}

// BuildKeyValue renders p in libpq's key=value conninfo form. Every value is
// single-quoted with backslash escaping for ' and \\, so it round-trips
// through ParseKeyValue for arbitrary ASCII printable input.
func BuildKeyValue(p Params) string {
	var b strings.Builder
	writeField(&b, "host", p.Host)
	writeField(&b, "port", strconv.Itoa(p.Port))
	writeField(&b, "dbname", p.DBName)
	if p.User != "" {
		writeField(&b, "user", p.User)
	}
	if p.Password != "" {
		writeField(&b, "password", p.Password)
	}
	if p.SSLMode != "" {
		writeField(&b, "sslmode", p.SSLMode)
	}
	return strings.TrimSpace(b.String())
}

func writeField(b *strings.Builder, key, value string) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(key)
	b.WriteString("='")
	b.WriteString(escape(value))
	b.WriteByte('\'')
}

func escape(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r == '\'' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseKeyValue parses a libpq-style "key='value' key2='value2'" conninfo
// string, reversing BuildKeyValue's quoting and escaping exactly.
func ParseKeyValue(s string) (Params, error) {
	fields, err := tokenizeKeyValue(s)
	if err != nil {
		return Params{}, err
	}

	params := Params{Port: 5432}
	for key, value := range fields {
		switch key {
		case "host":
			params.Host = value
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return Params{}, fmt.Errorf("parse key=value: bad port %q: %w", value, err)
			}
			params.Port = port
		case "dbname":
			params.DBName = value
		case "user":
			params.User = value
		case "password":
			params.Password = value
		case "sslmode":
			params.SSLMode = value
		default:
			return Params{}, fmt.Errorf("parse key=value: unknown field %q", key)
		}
	}
	return params, nil
}

// tokenizeKeyValue splits "key='value with \\' escapes' key2=bare" into a
// map, handling both single-quoted values (with \\ and \' escapes) and bare
// unquoted tokens delimited by whitespace.
func tokenizeKeyValue(s string) (map[string]string, error) {
	fields := make(map[string]string)
	i, n := 0, len(s)

	for i < n {
		for i < n && s[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}

		start := i
		for i < n && s[i] != '=' {
			i++
		}
		if i >= n {
			return nil, fmt.Errorf("parse key=value: missing '=' after %q", s[start:])
		}
		key := s[start:i]
		i++ // skip '='

		if i < n && s[i] == '\'' {
			i++
			var value strings.Builder
			closed := false
			for i < n {
				switch s[i] {
				case '\\':
					if i+1 < n {
						value.WriteByte(s[i+1])
						i += 2
						continue
					}
					return nil, fmt.Errorf("parse key=value: trailing backslash in %q", key)
				case '\'':
					closed = true
					i++
				default:
					value.WriteByte(s[i])
					i++
				}
				if closed {
					break
				}
			}
			if !closed {
				return nil, fmt.Errorf("parse key=value: unterminated quote for %q", key)
			}
			fields[key] = value.String()
		} else {
			start := i
			for i < n && s[i] != ' ' {
				i++
			}
			fields[key] = s[start:i]
		}
	}
	return fields, nil
}
