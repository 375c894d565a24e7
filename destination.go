package discordvoice

import (
	"fmt"
	"strings"
)

// Destination names the voice channel a session connects to.
type Destination struct {
	ServerID  string
	ChannelID string
}

// ParseDestination parses the "server/channel" form used in dial strings.
func ParseDestination(s string) (Destination, error) {
	server, channel, ok := strings.Cut(s, "/")
	if !ok || server == "" || channel == "" {
		return Destination{}, fmt.Errorf("destination %q must have the form server/channel", s)
	}
	if strings.Contains(channel, "/") {
		return Destination{}, fmt.Errorf("destination %q has too many segments", s)
	}
	return Destination{ServerID: server, ChannelID: channel}, nil
}

func (d Destination) String() string {
	return d.ServerID + "/" + d.ChannelID
}
