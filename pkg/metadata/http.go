package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/arcfield/discovery/pkg/discovery"
	logging "github.com/sirupsen/logrus"
)

// HTTPFetcher fetches metadata directly from the instance's own metadata
// endpoint: GET http://<host>:<metadata-port>/metadata?revision=<revision>.
// Instances advertise the endpoint port via the metadata-port tag; the
// advertised service port is used when the tag is absent.
type HTTPFetcher struct {
	client *http.Client

	log *logging.Entry
}

// NewHTTPFetcher creates an HTTPFetcher whose requests are bounded by
// timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		log:    logging.WithField("component", "http-fetcher"),
	}
}

// FetchMetadata implements Fetcher.
func (f *HTTPFetcher) FetchMetadata(ctx context.Context, instance *discovery.ServiceInstance) (*discovery.MetadataInfo, error) {
	endpoint := metadataEndpoint(instance)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata endpoint %s: %w", endpoint, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata fetch from %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint %s returned %s", endpoint, resp.Status)
	}

	var info discovery.MetadataInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("corrupt metadata from %s: %w", endpoint, err)
	}
	f.log.Debugf("Fetched metadata for %s revision %s from peer", instance.App, info.Revision)
	return &info, nil
}

func metadataEndpoint(instance *discovery.ServiceInstance) string {
	host, port, err := net.SplitHostPort(instance.Address)
	if err != nil {
		host = instance.Address
	}
	if p := instance.Meta[discovery.MetadataPortKey]; p != "" {
		port = p
	}
	return fmt.Sprintf("http://%s/metadata?revision=%s", net.JoinHostPort(host, port), url.QueryEscape(instance.Revision()))
}
