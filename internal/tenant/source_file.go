package tenant

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource reads tenants from a YAML document with a top-level "tenants" list.
// The file is re-read on every load so edits are picked up by the refresh job.
type FileSource struct {
	path string
}

type fileDocument struct {
	Tenants []TenantConfig `yaml:"tenants"`
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) LoadTenants(_ context.Context) ([]TenantConfig, error) {
	return ReadFile(s.path)
}

func ReadFile(path string) ([]TenantConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode tenants file: %w", err)
	}
	for i, t := range doc.Tenants {
		if t.ID == "" || t.ChannelAddress == "" || t.AssistantID == "" {
			return nil, fmt.Errorf("tenants[%d]: id, channel_address and assistant_id are required", i)
		}
	}
	return doc.Tenants, nil
}
