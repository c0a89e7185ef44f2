package relay

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"cpe-tunnel/internal/config"
)

type Config struct {
	// Listen is the TCP address for yamux agents.
	Listen string `yaml:"listen"`
	// HTTP is the address serving websocket agents on /tunnel.
	HTTP string `yaml:"http"`
	// Tokens maps device id to the token it must present. Devices
	// without an entry are accepted.
	Tokens   map[string]string `yaml:"tokens"`
	Mappings []Pair            `yaml:"mappings"`
	Log      config.LogConfig  `yaml:"log"`
}

// Pair shares one exporter service port with one importer device.
type Pair struct {
	PortMapID   string `yaml:"port_map_id"`
	Exporter    string `yaml:"exporter"`
	ServicePort string `yaml:"service_port"`
	Importer    string `yaml:"importer"`
	// ListenPort requests a local port on the importer; empty means any.
	ListenPort string `yaml:"listen_port"`
	Disabled   bool   `yaml:"disabled"`
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse relay config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, p := range c.Mappings {
		if p.PortMapID == "" {
			errs = append(errs, fmt.Errorf("mappings[%d]: port_map_id is required", i))
			continue
		}
		if seen[p.PortMapID] {
			errs = append(errs, fmt.Errorf("mappings[%d]: duplicate port_map_id %q", i, p.PortMapID))
		}
		seen[p.PortMapID] = true
		if p.Exporter == "" || p.Importer == "" {
			errs = append(errs, fmt.Errorf("mappings[%d]: exporter and importer are required", i))
		}
	}
	if c.Listen == "" && c.HTTP == "" {
		errs = append(errs, errors.New("one of listen or http is required"))
	}
	return errors.Join(errs...)
}
