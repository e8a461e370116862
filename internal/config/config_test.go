package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
[db]
host = dbhost
user = bridge
password = secret
database = bridgedb

[mqtt]
host = mqtthost:1883
prefix = gh/

[irc]
host = irc.example.net
port = 6697
nick = chanbridge
channels = #general, #ops,random
prefix = ~
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.ini")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	require.Equal(t, "dbhost", cfg.DB.Host)
	require.Equal(t, "bridge", cfg.DB.User)
	require.Equal(t, "bridgedb", cfg.DB.Database)

	require.Equal(t, "mqtthost:1883", cfg.MQTT.Host)
	require.Equal(t, "gh", cfg.MQTT.Prefix)

	require.Equal(t, "irc.example.net", cfg.IRC.Host)
	require.Equal(t, 6697, cfg.IRC.Port)
	require.Equal(t, byte('~'), cfg.IRC.Prefix)
	require.Equal(t, []string{"general", "ops", "random"}, cfg.IRC.Channels)
}

func TestLoadRejectsMultiCharPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ini")
	require.NoError(t, os.WriteFile(path, []byte("[irc]\nprefix = ~~\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
