package discovery

import (
	"net/url"
)

// Well-known instance metadata keys. Registries are expected to carry these
// through verbatim from the values the instance registered with.
const (
	// RevisionKey holds the exported-services revision: a content hash of
	// the exact set of services the instance exports. Instances sharing a
	// revision share identical metadata.
	RevisionKey = "revision"

	// StorageTypeKey selects where the instance's metadata is fetched
	// from. Instances advertising RemoteStorageType publish metadata to a
	// shared report store; everything else serves it directly.
	StorageTypeKey = "storage-type"

	// ClusterKey names the registry cluster the instance was discovered
	// through. Every registry implementation must set it; fetchers stamp
	// a default when it is absent.
	ClusterKey = "cluster"

	// SchemeKey overrides the URL scheme the instance's endpoints are
	// rendered with.
	SchemeKey = "scheme"

	// MetadataPortKey overrides the port used to fetch metadata directly
	// from the instance.
	MetadataPortKey = "metadata-port"
)

// EmptyRevision is the reserved revision carried by instances that have not
// exported valid service metadata. Such instances contribute to no service
// key.
const EmptyRevision = "0"

// RemoteStorageType marks instances whose metadata lives in the shared
// metadata report store rather than on the instance itself.
const RemoteStorageType = "remote"

const defaultScheme = "tcp"

// ServiceInstance is one physical endpoint of one logical application. It is
// owned by the discovery source that produced it; consumers only read it and
// attach the resolved metadata reference after resolution.
type ServiceInstance struct {
	// App is the logical application name the instance belongs to.
	App string

	// Address is the advertised endpoint in host:port form.
	Address string

	// Meta carries the instance's extensible key/value metadata,
	// including the well-known keys above.
	Meta map[string]string

	// Metadata is the exported-services descriptor resolved for the
	// instance's revision. It is nil until resolution succeeds.
	Metadata *MetadataInfo
}

// Revision returns the instance's exported-services revision, or
// EmptyRevision when the instance carries none.
func (i *ServiceInstance) Revision() string {
	if rev := i.Meta[RevisionKey]; rev != "" {
		return rev
	}
	return EmptyRevision
}

// URL renders the instance's advertised endpoint as a resolvable URL.
func (i *ServiceInstance) URL() *url.URL {
	scheme := i.Meta[SchemeKey]
	if scheme == "" {
		scheme = defaultScheme
	}
	return &url.URL{
		Scheme: scheme,
		Host:   i.Address,
	}
}
