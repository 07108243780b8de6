package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"testing"

	"github.com/arcfield/discovery/pkg/discovery"
)

// BufferingUpdateListener implements discovery.UpdateListener and stores
// every URL list it is notified with. Useful for unit tests.
type BufferingUpdateListener struct {
	Updates [][]*url.URL
}

// NewBufferingUpdateListener creates a new BufferingUpdateListener.
func NewBufferingUpdateListener() *BufferingUpdateListener {
	return &BufferingUpdateListener{
		Updates: [][]*url.URL{},
	}
}

// Update stores the update in the internal buffer.
func (bul *BufferingUpdateListener) Update(urls []*url.URL) {
	bul.Updates = append(bul.Updates, urls)
}

// FakeFetcher resolves revisions from a fixed table and counts fetch
// attempts per revision. Revisions listed in Errs fail; revisions absent
// from both tables fail with a generic error.
type FakeFetcher struct {
	Infos map[string]*discovery.MetadataInfo
	Errs  map[string]error
	Calls map[string]int
}

// NewFakeFetcher creates a FakeFetcher serving the given metadata table.
func NewFakeFetcher(infos map[string]*discovery.MetadataInfo) *FakeFetcher {
	return &FakeFetcher{
		Infos: infos,
		Errs:  map[string]error{},
		Calls: map[string]int{},
	}
}

// FetchMetadata implements metadata.Fetcher.
func (ff *FakeFetcher) FetchMetadata(_ context.Context, instance *discovery.ServiceInstance) (*discovery.MetadataInfo, error) {
	revision := instance.Revision()
	ff.Calls[revision]++
	if err := ff.Errs[revision]; err != nil {
		return nil, err
	}
	info, ok := ff.Infos[revision]
	if !ok {
		return nil, fmt.Errorf("no metadata for revision %s", revision)
	}
	return info, nil
}

// TotalCalls returns the number of fetch attempts across all revisions.
func (ff *FakeFetcher) TotalCalls() int {
	total := 0
	for _, n := range ff.Calls {
		total += n
	}
	return total
}

// FakeSource implements discovery.Source and records listener removals.
type FakeSource struct {
	Removed []discovery.EventListener
}

// AddListener implements discovery.Source.
func (fs *FakeSource) AddListener(discovery.EventListener) {}

// RemoveListener implements discovery.Source.
func (fs *FakeSource) RemoveListener(l discovery.EventListener) {
	fs.Removed = append(fs.Removed, l)
}

func makeInstance(app, address, revision string) *discovery.ServiceInstance {
	return &discovery.ServiceInstance{
		App:     app,
		Address: address,
		Meta:    map[string]string{discovery.RevisionKey: revision},
	}
}

func makeInfo(app, revision string, serviceNames ...string) *discovery.MetadataInfo {
	services := make(map[string]*discovery.ServiceInfo, len(serviceNames))
	for _, name := range serviceNames {
		services[name] = &discovery.ServiceInfo{Name: name}
	}
	return &discovery.MetadataInfo{
		Revision: revision,
		App:      app,
		Services: services,
	}
}

func urlStrings(urls []*url.URL) []string {
	strs := make([]string, 0, len(urls))
	for _, u := range urls {
		strs = append(strs, u.String())
	}
	return strs
}

func testCompare(t *testing.T, expected interface{}, actual interface{}) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		expectedBytes, _ := json.Marshal(expected)
		actualBytes, _ := json.Marshal(actual)
		t.Fatalf("Expected %s but got %s", string(expectedBytes), string(actualBytes))
	}
}
