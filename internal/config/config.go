// Package config loads the space-level configuration a gateway process
// needs at startup: which participants may join, their bearer tokens,
// and the capability grants each receives. Space configuration loading
// and capability-table authoring are themselves deliberately out of
// scope for the runtime protocol plane (spec.md §1) — this package only
// implements the minimal YAML contract the gateway needs to resolve a
// join token into a participant identity and grant set.
//
// Grounded on internal/config/config.go's Config/Cell/CellAgent shape (a
// top-level document naming a flat list of entities, each carrying a
// small typed sub-config) and its Load/defaulting/validation style.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rjcorwin/mew-protocol-sub005/internal/capability"
)

// SpaceConfig is the YAML document describing one space: its id, default
// connection limits, and the participants permitted to join it.
type SpaceConfig struct {
	SpaceID      string              `yaml:"space_id"`
	GatewayAddr  string              `yaml:"gateway_addr"`
	Debug        bool                `yaml:"debug"`
	Participants []ParticipantConfig `yaml:"participants"`
	PauseQueue   int                 `yaml:"pause_queue_depth"`
	IdleStream   int                 `yaml:"stream_idle_timeout_seconds"`
}

// ParticipantConfig grants one bearer token a participant identity and a
// capability set within the space.
type ParticipantConfig struct {
	ID           string                  `yaml:"id"`
	Token        string                  `yaml:"token"`
	Capabilities []capability.Capability `yaml:"capabilities"`
}

// Load reads and validates a SpaceConfig document from filename.
func Load(filename string) (*SpaceConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read space config: %w", err)
	}

	var cfg SpaceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse space config: %w", err)
	}

	// Set defaults
	if cfg.GatewayAddr == "" {
		cfg.GatewayAddr = ":9100"
	}
	if cfg.PauseQueue == 0 {
		cfg.PauseQueue = 64
	}
	if cfg.IdleStream == 0 {
		cfg.IdleStream = 300
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants Load cannot default away: a
// non-empty space id, non-negative timing knobs, and every participant
// having a unique id and a non-empty token.
func (c *SpaceConfig) Validate() error {
	if c.SpaceID == "" {
		return fmt.Errorf("space config: space_id is required")
	}
	if c.PauseQueue < 0 {
		return fmt.Errorf("space config: pause_queue_depth cannot be negative: %d", c.PauseQueue)
	}
	if c.IdleStream < 0 {
		return fmt.Errorf("space config: stream_idle_timeout_seconds cannot be negative: %d", c.IdleStream)
	}

	seen := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID == "" {
			return fmt.Errorf("space config: participant entry missing id")
		}
		if p.Token == "" {
			return fmt.Errorf("space config: participant %q missing token", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("space config: duplicate participant id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
