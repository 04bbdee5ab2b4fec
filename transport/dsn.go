package transport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DSN is a parsed transport address of the form
//
//	scheme://[user[:password]@]host1[,host2...][/path][?key=value...]
//
// Unlike net/url it accepts several comma separated hosts, as Kafka broker
// lists need.
type DSN struct {
	Raw      string
	Scheme   string
	User     string
	Password string
	Hosts    []string
	// Path keeps its leading slash.
	Path    string
	Options map[string]string
}

// ParseDSN parses raw.
func ParseDSN(raw string) (DSN, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(raw), "://")
	if !ok || scheme == "" {
		return DSN{}, fmt.Errorf("invalid dsn %q: missing scheme", Redact(raw))
	}
	dsn := DSN{Raw: raw, Scheme: strings.ToLower(scheme), Options: map[string]string{}}

	rest, query, _ := strings.Cut(rest, "?")
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return DSN{}, fmt.Errorf("invalid dsn %q: %w", Redact(raw), err)
		}
		for key := range values {
			dsn.Options[key] = values.Get(key)
		}
	}

	authority, path := rest, ""
	if i := strings.Index(rest, "/"); i >= 0 {
		authority, path = rest[:i], rest[i:]
	}
	dsn.Path = path

	if i := strings.LastIndex(authority, "@"); i >= 0 {
		userinfo := authority[:i]
		authority = authority[i+1:]
		user, password, _ := strings.Cut(userinfo, ":")
		var err error
		if dsn.User, err = url.PathUnescape(user); err != nil {
			return DSN{}, fmt.Errorf("invalid dsn %q: %w", Redact(raw), err)
		}
		if dsn.Password, err = url.PathUnescape(password); err != nil {
			return DSN{}, fmt.Errorf("invalid dsn %q: %w", Redact(raw), err)
		}
	}
	for _, host := range strings.Split(authority, ",") {
		if host = strings.TrimSpace(host); host != "" {
			dsn.Hosts = append(dsn.Hosts, host)
		}
	}
	return dsn, nil
}

// Host returns the first host, or fallback when none is set.
func (d DSN) Host(fallback string) string {
	if len(d.Hosts) == 0 {
		return fallback
	}
	return d.Hosts[0]
}

// Option returns the named option, or fallback when it is missing or empty.
func (d DSN) Option(key, fallback string) string {
	if v, ok := d.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// IntOption returns the named option as an int.
func (d DSN) IntOption(key string, fallback int) int {
	v, err := strconv.Atoi(d.Options[key])
	if err != nil {
		return fallback
	}
	return v
}

// BoolOption returns the named option as a bool.
func (d DSN) BoolOption(key string, fallback bool) bool {
	v, err := strconv.ParseBool(d.Options[key])
	if err != nil {
		return fallback
	}
	return v
}

// DurationOption returns the named option as a duration. Plain integers are
// read as milliseconds.
func (d DSN) DurationOption(key string, fallback time.Duration) time.Duration {
	raw := d.Options[key]
	if raw == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

// URL rebuilds the DSN with another scheme and without the given options.
// It is used to hand connection strings to client libraries.
func (d DSN) URL(scheme string, dropOptions ...string) string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if d.User != "" {
		userinfo := url.User(d.User)
		if d.Password != "" {
			userinfo = url.UserPassword(d.User, d.Password)
		}
		b.WriteString(userinfo.String())
		b.WriteString("@")
	}
	b.WriteString(strings.Join(d.Hosts, ","))
	b.WriteString(d.Path)

	values := url.Values{}
	for key, value := range d.Options {
		values.Set(key, value)
	}
	for _, key := range dropOptions {
		values.Del(key)
	}
	if encoded := values.Encode(); encoded != "" {
		b.WriteString("?")
		b.WriteString(encoded)
	}
	return b.String()
}

// Redact masks the password of a raw DSN. Unparsable input is masked entirely.
func Redact(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "***REDACTED_DSN***"
	}
	authority := rest
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		authority = rest[:i]
	}
	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return raw
	}
	user, _, hasPassword := strings.Cut(authority[:at], ":")
	if !hasPassword {
		return raw
	}
	return scheme + "://" + user + ":***REDACTED***" + rest[at:]
}
