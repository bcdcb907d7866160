package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/showlink/internal/protocol/session"
)

// clientTLSConfig builds the client TLS settings for host. ServerName falls
// back to host when unset.
func clientTLSConfig(cfg session.TLSConfig, host string) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(cfg.ServerName)
	if serverName == "" {
		serverName = strings.TrimSpace(host)
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}

	if cfg.Mutual {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}
