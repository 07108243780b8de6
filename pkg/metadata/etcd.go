package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/arcfield/discovery/pkg/discovery"
	logging "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdFetcher reads metadata that providers published to an etcd-backed
// metadata report. Each revision lives under
// <prefix>/<cluster>/<app>/<revision> as a JSON-encoded MetadataInfo.
type EtcdFetcher struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration

	log *logging.Entry
}

// NewEtcdFetcher connects to the metadata report at the given endpoints.
func NewEtcdFetcher(endpoints []string, prefix string, timeout time.Duration) (*EtcdFetcher, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metadata report: %w", err)
	}
	return &EtcdFetcher{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
		log:     logging.WithField("component", "etcd-fetcher"),
	}, nil
}

// FetchMetadata implements Fetcher.
func (f *EtcdFetcher) FetchMetadata(ctx context.Context, instance *discovery.ServiceInstance) (*discovery.MetadataInfo, error) {
	key := reportKey(f.prefix, instance.Meta[discovery.ClusterKey], instance.App, instance.Revision())

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("metadata report read failed for %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("no metadata published at %s", key)
	}

	var info discovery.MetadataInfo
	if err := json.Unmarshal(resp.Kvs[0].Value, &info); err != nil {
		return nil, fmt.Errorf("corrupt metadata at %s: %w", key, err)
	}
	f.log.Debugf("Read metadata for %s revision %s from report", instance.App, info.Revision)
	return &info, nil
}

// Close releases the underlying etcd client.
func (f *EtcdFetcher) Close() error {
	return f.client.Close()
}

func reportKey(prefix, cluster, app, revision string) string {
	return path.Join(prefix, cluster, app, revision)
}
