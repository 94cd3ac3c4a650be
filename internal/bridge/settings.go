package bridge

import (
	"mqtt-hub-bridge/config"
	"mqtt-hub-bridge/internal/protocol"
	"mqtt-hub-bridge/internal/queue"
)

// presenceQoS applies to both the birth and the last-will message
const presenceQoS = 1

// Presence describes the birth and last-will messages
type Presence struct {
	Topic   string // may reference ${hubId}
	Online  string
	Offline string
}

// Settings are the runtime-changeable lifecycle settings
type Settings struct {
	HubID           string
	Protocol        string
	DisabledDevices []string
	Presence        Presence
}

// SettingsFromConfig derives lifecycle settings from a loaded configuration
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		HubID:           cfg.Hub.ID,
		Protocol:        cfg.Hub.Protocol,
		DisabledDevices: append([]string(nil), cfg.Hub.DisabledDevices...),
		Presence: Presence{
			Topic:   cfg.Presence.Topic,
			Online:  cfg.Presence.Online,
			Offline: cfg.Presence.Offline,
		},
	}
}

// PresenceTopic returns the presence topic with the hub id substituted
func (s Settings) PresenceTopic() string {
	return protocol.Expand(s.Presence.Topic, map[string]string{"hubId": s.HubID})
}

// BirthMessage announces the hub as online
func (s Settings) BirthMessage() queue.Message {
	return queue.Message{
		Topic:   s.PresenceTopic(),
		Payload: []byte(s.Presence.Online),
		QoS:     presenceQoS,
		Retain:  true,
	}
}

// LastWillMessage announces the hub as offline
func (s Settings) LastWillMessage() queue.Message {
	return queue.Message{
		Topic:   s.PresenceTopic(),
		Payload: []byte(s.Presence.Offline),
		QoS:     presenceQoS,
		Retain:  true,
	}
}
