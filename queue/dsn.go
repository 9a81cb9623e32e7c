package queue

import (
	"net/url"
	"strings"
)

// DSN is a parsed {scheme}://{user}:{pass}@{host}:{port}/{vhost}
// connection URL per §6, where scheme selects plain vs TLS transport.
type DSN struct {
	TLS      bool
	User     string
	Password string
	Host     string
	Port     string
	VHost    string
}

// ParseDSN parses a BROKER_URL-style connection string. The scheme must
// be "plain" or "tls"; TLS is selected purely via scheme, never by
// inspecting host/port.
func ParseDSN(raw string) (*DSN, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, newValidationError("invalid connection URL: " + err.Error())
	}

	var tlsEnabled bool
	switch u.Scheme {
	case "plain":
		tlsEnabled = false
	case "tls":
		tlsEnabled = true
	default:
		return nil, newValidationError("unsupported connection scheme: " + u.Scheme + " (expected plain or tls)")
	}

	password, _ := u.User.Password()
	vhost := strings.TrimPrefix(u.Path, "/")

	return &DSN{
		TLS:      tlsEnabled,
		User:     u.User.Username(),
		Password: password,
		Host:     u.Hostname(),
		Port:     u.Port(),
		VHost:    vhost,
	}, nil
}

// AMQPURL rewrites the DSN into the amqp091-go dial scheme (amqp/amqps).
func (d *DSN) AMQPURL() string {
	scheme := "amqp"
	if d.TLS {
		scheme = "amqps"
	}
	userinfo := ""
	if d.User != "" {
		userinfo = d.User
		if d.Password != "" {
			userinfo += ":" + d.Password
		}
		userinfo += "@"
	}
	port := d.Port
	if port == "" {
		if d.TLS {
			port = "5671"
		} else {
			port = "5672"
		}
	}
	return scheme + "://" + userinfo + d.Host + ":" + port + "/" + d.VHost
}
