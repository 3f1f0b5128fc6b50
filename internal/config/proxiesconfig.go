package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadProxiesConfig reads the on-disk proxies JSON file: a plain array of
// upstream-spec strings in the same grammar ParseUpstreamSpec accepts. A
// missing file yields an empty list rather than an error, so the flag can
// be left at its default on a CLI-specs-only deployment.
func LoadProxiesConfig(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open proxies config %s: %w", path, err)
	}

	var specs []string
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("config: parse proxies config %s: %w", path, err)
	}
	return specs, nil
}
