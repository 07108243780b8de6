package metadata

import (
	"context"
	"errors"
	"testing"

	"github.com/arcfield/discovery/pkg/discovery"
)

type staticFetcher struct {
	info  *discovery.MetadataInfo
	err   error
	calls int
}

func (s *staticFetcher) FetchMetadata(_ context.Context, _ *discovery.ServiceInstance) (*discovery.MetadataInfo, error) {
	s.calls++
	return s.info, s.err
}

func TestSelectorRoutesByStorageType(t *testing.T) {
	for _, tt := range []struct {
		name        string
		storageType string
		remote      bool
	}{
		{
			name:        "remote storage goes to the report store",
			storageType: discovery.RemoteStorageType,
			remote:      true,
		},
		{
			name:        "local storage goes to the peer",
			storageType: "local",
			remote:      false,
		},
		{
			name:        "untagged instances go to the peer",
			storageType: "",
			remote:      false,
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			remote := &staticFetcher{info: &discovery.MetadataInfo{Revision: "r1"}}
			peer := &staticFetcher{info: &discovery.MetadataInfo{Revision: "r1"}}
			selector := NewSelectorFetcher(remote, peer, "default")

			instance := &discovery.ServiceInstance{
				App:     "svc",
				Address: "10.0.0.1:8080",
				Meta:    map[string]string{discovery.StorageTypeKey: tt.storageType},
			}
			if _, err := selector.FetchMetadata(context.Background(), instance); err != nil {
				t.Fatalf("FetchMetadata returned an error: %s", err)
			}

			expectedRemote, expectedPeer := 0, 1
			if tt.remote {
				expectedRemote, expectedPeer = 1, 0
			}
			if remote.calls != expectedRemote || peer.calls != expectedPeer {
				t.Fatalf("Expected %d remote/%d peer calls, got %d/%d", expectedRemote, expectedPeer, remote.calls, peer.calls)
			}
		})
	}
}

func TestSelectorStampsDefaultCluster(t *testing.T) {
	peer := &staticFetcher{info: &discovery.MetadataInfo{Revision: "r1"}}
	selector := NewSelectorFetcher(&staticFetcher{}, peer, "registry-east")

	instance := &discovery.ServiceInstance{App: "svc", Address: "10.0.0.1:8080"}
	if _, err := selector.FetchMetadata(context.Background(), instance); err != nil {
		t.Fatalf("FetchMetadata returned an error: %s", err)
	}
	if cluster := instance.Meta[discovery.ClusterKey]; cluster != "registry-east" {
		t.Fatalf("Expected the default cluster to be stamped, got %q", cluster)
	}

	// An existing tag is left alone.
	instance.Meta[discovery.ClusterKey] = "registry-west"
	if _, err := selector.FetchMetadata(context.Background(), instance); err != nil {
		t.Fatalf("FetchMetadata returned an error: %s", err)
	}
	if cluster := instance.Meta[discovery.ClusterKey]; cluster != "registry-west" {
		t.Fatalf("Expected the existing cluster tag to be kept, got %q", cluster)
	}
}

func TestSelectorPropagatesErrors(t *testing.T) {
	fetchErr := errors.New("report store down")
	selector := NewSelectorFetcher(&staticFetcher{err: fetchErr}, &staticFetcher{}, "default")

	instance := &discovery.ServiceInstance{
		App:     "svc",
		Address: "10.0.0.1:8080",
		Meta:    map[string]string{discovery.StorageTypeKey: discovery.RemoteStorageType},
	}
	if _, err := selector.FetchMetadata(context.Background(), instance); !errors.Is(err, fetchErr) {
		t.Fatalf("Expected the fetch error to propagate, got %v", err)
	}
}

func TestReportKey(t *testing.T) {
	key := reportKey("/discovery/metadata", "registry-east", "svc", "a1b2c3")
	expected := "/discovery/metadata/registry-east/svc/a1b2c3"
	if key != expected {
		t.Fatalf("Expected %q, got %q", expected, key)
	}
}
