package connector

import "context"

// Intrinsic descriptor ids. Callers override one by reusing its id.
const (
	CommandReconnect           = "reconnect"
	IndicatorConnected         = "connected"
	IndicatorBundlesCompatible = "bundles_compatible"
	IndicatorConnectionState   = "connection_state"
)

// CommandDescriptor is an action a control surface can trigger.
type CommandDescriptor struct {
	ID          string                          `json:"id"`
	Name        string                          `json:"name"`
	Description string                          `json:"description,omitempty"`
	Run         func(ctx context.Context) error `json:"-"`
}

// StatusIndicator is a value a control surface can display. Read returns a
// bool for feedback style indicators and a string for text ones.
type StatusIndicator struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Read        func() any `json:"-"`
}

func (c *Connector) IntrinsicCommands() []CommandDescriptor {
	return []CommandDescriptor{
		{
			ID:          CommandReconnect,
			Name:        "Reconnect",
			Description: "Drop the current connection and reconnect now.",
			Run: func(context.Context) error {
				return c.Reconnect()
			},
		},
	}
}

func (c *Connector) IntrinsicStatusIndicators() []StatusIndicator {
	return []StatusIndicator{
		{
			ID:          IndicatorConnected,
			Name:        "Connected",
			Description: "True while the connection is live.",
			Read: func() any {
				return c.State() == StateLive
			},
		},
		{
			ID:          IndicatorBundlesCompatible,
			Name:        "Bundles compatible",
			Description: "True when every declared bundle is compatible with the server.",
			Read: func() any {
				return c.allCompatible()
			},
		},
		{
			ID:          IndicatorConnectionState,
			Name:        "Connection state",
			Description: "Current lifecycle state name.",
			Read: func() any {
				return c.State().String()
			},
		},
	}
}

func (c *Connector) allCompatible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.statuses {
		if st.Verdict != VerdictCompatible {
			return false
		}
	}
	return true
}

// MergeCommands layers caller descriptors over intrinsic ones. A caller
// descriptor replaces the intrinsic one with the same id in place; new ids
// follow in caller order.
func MergeCommands(intrinsic, caller []CommandDescriptor) []CommandDescriptor {
	return mergeByID(intrinsic, caller, func(d CommandDescriptor) string { return d.ID })
}

// MergeIndicators is MergeCommands for status indicators.
func MergeIndicators(intrinsic, caller []StatusIndicator) []StatusIndicator {
	return mergeByID(intrinsic, caller, func(d StatusIndicator) string { return d.ID })
}

func mergeByID[T any](base, override []T, id func(T) string) []T {
	out := make([]T, 0, len(base)+len(override))
	index := make(map[string]int, len(base)+len(override))
	for _, d := range base {
		if i, ok := index[id(d)]; ok {
			out[i] = d
			continue
		}
		index[id(d)] = len(out)
		out = append(out, d)
	}
	for _, d := range override {
		if i, ok := index[id(d)]; ok {
			out[i] = d
			continue
		}
		index[id(d)] = len(out)
		out = append(out, d)
	}
	return out
}
