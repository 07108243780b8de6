package discovery

import (
	"fmt"
)

// MetadataInfo describes the full set of services one revision exports. It
// is resolved at most once per revision and never mutated afterwards;
// deduplication is purely by revision.
type MetadataInfo struct {
	Revision string                  `json:"revision"`
	App      string                  `json:"app"`
	Services map[string]*ServiceInfo `json:"services"`
}

// ServiceInfo describes a single exported service interface.
type ServiceInfo struct {
	Name     string            `json:"name"`
	Group    string            `json:"group,omitempty"`
	Version  string            `json:"version,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Path     string            `json:"path,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// ServiceKey returns the qualified key consumers subscribe to.
func (s *ServiceInfo) ServiceKey() string {
	return BuildServiceKey(s.Name, s.Group, s.Version)
}

// BuildServiceKey formats a logical service identifier, qualified by group
// and version when set: group/name:version.
func BuildServiceKey(name, group, version string) string {
	key := name
	if group != "" {
		key = fmt.Sprintf("%s/%s", group, key)
	}
	if version != "" {
		key = fmt.Sprintf("%s:%s", key, version)
	}
	return key
}
