package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file for kind ("service" or "bundles").
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "service":
		return serviceTemplate, nil
	case "bundles":
		return bundlesTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serviceTemplate = `instance = "showlink"
host = "127.0.0.1"
port = 9090
transport = "websocket"
path = "/showlink"
auth_key = ""
bundles_path = "bundles.toml"
admin_addr = "127.0.0.1:9190"
admin_token = ""
security_mode = "development"

[tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""
server_name = ""
insecure_skip_verify = false

[timeouts]
connect = "5s"
handshake = "5s"
write = "5s"
ack = "5s"
ping = "15s"

[backoff]
initial = "1s"
multiplier = 2.0
max = "30s"
jitter = true
reset_after = "30s"
`

const bundlesTemplate = `[[bundle]]
name = "timer"
version = "^0.1.0"
replicants = ["remaining", "running"]

[[bundle]]
name = "scoreboard"
version = "^1.2.0"
replicants = ["home", "away"]
`
