package metadata

import (
	"context"

	"github.com/arcfield/discovery/pkg/discovery"
	logging "github.com/sirupsen/logrus"
)

// Fetcher retrieves the exported-services metadata advertised by an
// instance. Implementations own their transport and timeouts; a failed fetch
// is reported as an error and never aborts the caller's wider pass.
type Fetcher interface {
	FetchMetadata(ctx context.Context, instance *discovery.ServiceInstance) (*discovery.MetadataInfo, error)
}

// SelectorFetcher routes fetches by the instance's storage-type tag:
// instances advertising remote storage are served by the report-store
// fetcher, everything else directly by the instance itself. Instances
// missing the registry cluster tag get the selector's default stamped before
// the fetch.
type SelectorFetcher struct {
	remote         Fetcher
	peer           Fetcher
	defaultCluster string

	log *logging.Entry
}

// NewSelectorFetcher creates a SelectorFetcher dispatching to remote for
// report-store instances and to peer for the rest.
func NewSelectorFetcher(remote, peer Fetcher, defaultCluster string) *SelectorFetcher {
	return &SelectorFetcher{
		remote:         remote,
		peer:           peer,
		defaultCluster: defaultCluster,
		log:            logging.WithField("component", "metadata-fetcher"),
	}
}

// FetchMetadata implements Fetcher.
func (s *SelectorFetcher) FetchMetadata(ctx context.Context, instance *discovery.ServiceInstance) (*discovery.MetadataInfo, error) {
	if instance.Meta == nil {
		instance.Meta = map[string]string{}
	}
	if instance.Meta[discovery.ClusterKey] == "" {
		instance.Meta[discovery.ClusterKey] = s.defaultCluster
	}

	storageType := instance.Meta[discovery.StorageTypeKey]
	s.log.Debugf("Instance %s is using metadata storage type %q", instance.Address, storageType)

	if storageType == discovery.RemoteStorageType {
		return s.remote.FetchMetadata(ctx, instance)
	}
	return s.peer.FetchMetadata(ctx, instance)
}
