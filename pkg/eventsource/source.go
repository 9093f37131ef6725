// Package eventsource fetches recent records from operating system event log
// channels. Fetches are best-effort: a channel that is unavailable on the
// current platform yields no records rather than an error.
package eventsource

import (
	"context"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/hostwatch/internal/types"
)

// Channel names understood by the bundled sources.
const (
	ChannelSecurity   = "security"
	ChannelPowerShell = "powershell"
	ChannelSystem     = "system"
)

// DefaultChannels are watched when no sources are configured.
var DefaultChannels = []string{ChannelSecurity, ChannelPowerShell}

var knownChannels = sets.New(ChannelSecurity, ChannelPowerShell, ChannelSystem)

// Source fetches event records from named channels.
type Source interface {
	// Fetch returns at most maxEvents of the most recent records of channel.
	Fetch(ctx context.Context, channel string, maxEvents int) ([]types.EventRecord, error)
	// Known reports whether the source can serve channel at all.
	Known(channel string) bool
}

// IsKnownChannel reports whether name is one of the bundled channel names.
func IsKnownChannel(name string) bool {
	return knownChannels.Has(name)
}

// ParseChannels normalizes a list of channel names, each of which may
// itself be a comma separated list: names are trimmed, lower-cased, and
// de-duplicated. Empty input yields an empty set.
func ParseChannels(values ...string) sets.Set[string] {
	out := sets.New[string]()
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				out.Insert(part)
			}
		}
	}
	return out
}
