package connector

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/danmuck/showlink/internal/protocol/session"
	"github.com/danmuck/showlink/internal/transport"
	"github.com/rs/zerolog"
)

const DefaultInstance = "showlink"

// Config is fixed at New except for Address, which UpdateConfig replaces.
type Config struct {
	// Instance labels logs and metrics.
	Instance string
	Address  transport.Address
	Bundles  []BundleDeclaration
	Session  session.Config
	Dialer   transport.Dialer
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// Metrics enables prometheus recording.
	Metrics bool
	// Rand seeds backoff jitter; nil uses a time-seeded source.
	Rand *rand.Rand
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Instance) == "" {
		c.Instance = DefaultInstance
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) validate() error {
	if c.Dialer == nil {
		return ErrDialerRequired
	}
	if err := c.Address.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Bundles))
	for _, d := range c.Bundles {
		if d.name == "" {
			return fmt.Errorf("%w: zero declaration", ErrInvalidBundle)
		}
		if _, dup := seen[d.name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateBundle, d.name)
		}
		seen[d.name] = struct{}{}
	}
	return nil
}
