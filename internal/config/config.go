// Package config parses the INI configuration layout of spec.md §6
// (sections db, mqtt, irc) via gopkg.in/ini.v1, grounded on the pack's
// common choice of an INI-based config file for small network daemons.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// DB holds the SQL connection parameters of spec.md §6.
type DB struct {
	Host     string
	User     string
	Password string
	Database string
}

// MQTT holds the bus connection parameters of spec.md §6.
type MQTT struct {
	Host   string
	Prefix string
}

// IRC holds the IRC session parameters of spec.md §6.
type IRC struct {
	Host     string
	Port     int
	Nick     string
	Password string
	Channels []string
	Prefix   byte
}

// Config is the fully parsed process configuration.
type Config struct {
	DB   DB
	MQTT MQTT
	IRC  IRC
}

// Load parses an INI file at path into a Config.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: load %q", path)
	}

	db := f.Section("db")
	mqtt := f.Section("mqtt")
	irc := f.Section("irc")

	port, err := strconv.Atoi(irc.Key("port").MustString("6667"))
	if err != nil {
		return nil, errors.Wrap(err, "config: irc.port")
	}

	prefix := irc.Key("prefix").MustString("~")
	if len(prefix) != 1 {
		return nil, fmt.Errorf("config: irc.prefix must be exactly one character, got %q", prefix)
	}

	var channels []string
	for _, c := range strings.Split(irc.Key("channels").MustString(""), ",") {
		c = strings.TrimSpace(c)
		c = strings.TrimPrefix(c, "#")
		if c != "" {
			channels = append(channels, c)
		}
	}

	cfg := &Config{
		DB: DB{
			Host:     db.Key("host").MustString("localhost"),
			User:     db.Key("user").String(),
			Password: db.Key("password").String(),
			Database: db.Key("database").String(),
		},
		MQTT: MQTT{
			Host:   mqtt.Key("host").MustString("localhost:1883"),
			Prefix: strings.TrimRight(mqtt.Key("prefix").MustString("gh"), "/"),
		},
		IRC: IRC{
			Host:     irc.Key("host").MustString("irc.libera.chat"),
			Port:     port,
			Nick:     irc.Key("nick").MustString("chanbridge"),
			Password: irc.Key("password").String(),
			Channels: channels,
			Prefix:   prefix[0],
		},
	}
	return cfg, nil
}
