package config

import (
	"net/url"
	"os"
)

// Literal tokens the Home Assistant MQTT add-on asks integrations to
// recognize in a configured broker URL, substituted from the add-on's own
// environment at startup (§6). A missing substitution for an "auto_*" user
// drops credentials entirely rather than connecting with the literal token.
const (
	autoUsername = "auto_username"
	autoPassword = "auto_password"
	autoHostname = "auto_hostname"
)

// substituteAutoTokens rewrites auto_username/auto_password/auto_hostname
// in a configured mqtt[s]:// URL using the values the broker add-on exports
// as MQTT_USERNAME/MQTT_PASSWORD/MQTT_HOST.
func substituteAutoTokens(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	host := u.Hostname()
	port := u.Port()
	if host == autoHostname {
		if envHost := os.Getenv("MQTT_HOST"); envHost != "" {
			host = envHost
		}
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	username := u.User.Username()
	password, hasPassword := u.User.Password()

	if username == autoUsername {
		username = os.Getenv("MQTT_USERNAME")
	}
	if password == autoPassword {
		password = os.Getenv("MQTT_PASSWORD")
		hasPassword = password != ""
	}

	switch {
	case username == "":
		u.User = nil
	case hasPassword:
		u.User = url.UserPassword(username, password)
	default:
		u.User = url.User(username)
	}

	return u.String()
}
