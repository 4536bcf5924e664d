package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/dagucloud/dagsched/internal/core/exec"
)

var (
	ErrNoConnID   = errors.New("connection id is required")
	ErrInvalidURI = errors.New("invalid connection URI")
)

// ParseURI builds a connection from a URI such as
// postgresql://user:pass@db:5432/sales?sslmode=disable. The scheme is the
// connection type ("-" becomes "_", postgresql becomes postgres), the
// path is the schema and query parameters become the JSON extra.
func ParseURI(connID, uri string) (exec.Connection, error) {
	if connID == "" {
		return exec.Connection{}, ErrNoConnID
	}
	u, err := url.Parse(uri)
	if err != nil {
		return exec.Connection{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme == "" || u.Opaque != "" {
		return exec.Connection{}, fmt.Errorf("%w: %q has no scheme://", ErrInvalidURI, uri)
	}

	c := exec.Connection{
		ConnID:   connID,
		ConnType: strings.ReplaceAll(u.Scheme, "-", "_"),
		Host:     u.Hostname(),
		Schema:   strings.TrimPrefix(u.Path, "/"),
	}
	if c.ConnType == "postgresql" {
		c.ConnType = "postgres"
	}
	if u.User != nil {
		c.Login = u.User.Username()
		c.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		if c.Port, err = strconv.Atoi(p); err != nil {
			return exec.Connection{}, fmt.Errorf("%w: port %q", ErrInvalidURI, p)
		}
	}
	if query := u.Query(); len(query) > 0 {
		extra := make(map[string]string, len(query))
		for k := range query {
			extra[k] = query.Get(k)
		}
		data, err := json.Marshal(extra)
		if err != nil {
			return exec.Connection{}, err
		}
		c.Extra = string(data)
	}
	return c, nil
}

// URI renders a decrypted connection back into URI form. Extra values
// that are not strings are rendered with fmt.
func URI(c exec.Connection) string { return toURL(c).String() }

// RedactedURI is URI with the password replaced by "xxxxx".
func RedactedURI(c exec.Connection) string { return toURL(c).Redacted() }

func toURL(c exec.Connection) *url.URL {
	u := &url.URL{
		Scheme: strings.ReplaceAll(c.ConnType, "_", "-"),
		Host:   c.Host,
	}
	if c.Port != 0 {
		u.Host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	switch {
	case c.Password != "":
		u.User = url.UserPassword(c.Login, c.Password)
	case c.Login != "":
		u.User = url.User(c.Login)
	}
	if c.Schema != "" {
		u.Path = "/" + c.Schema
	}
	if extra, err := ExtraJSON(c); err == nil && len(extra) > 0 {
		q := url.Values{}
		for k, v := range extra {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}
	return u
}
