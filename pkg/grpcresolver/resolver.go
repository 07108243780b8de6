package grpcresolver

import (
	"net/url"
	"strings"

	"github.com/arcfield/discovery/pkg/discovery"
	logging "github.com/sirupsen/logrus"
	"google.golang.org/grpc/resolver"
)

// Scheme is the target scheme the builder registers under. Clients dial
// discovery:///<service-key>.
const Scheme = "discovery"

// Subscription is the subset of the instances listener the resolver needs.
type Subscription interface {
	Subscribe(serviceKey string, l discovery.UpdateListener)
	Unsubscribe(serviceKey string)
	GetURLs(serviceKey string) []*url.URL
}

// Builder builds gRPC resolvers backed by a discovery subscription. Each
// built resolver subscribes to its target's service key and translates the
// published URL lists into resolver state.
type Builder struct {
	subscription Subscription

	log *logging.Entry
}

// NewBuilder creates a Builder on top of the given subscription.
func NewBuilder(subscription Subscription) *Builder {
	return &Builder{
		subscription: subscription,
		log:          logging.WithField("component", "grpc-resolver"),
	}
}

// Scheme implements resolver.Builder.
func (b *Builder) Scheme() string {
	return Scheme
}

// Build implements resolver.Builder.
func (b *Builder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	serviceKey := strings.TrimPrefix(target.URL.Path, "/")
	if serviceKey == "" {
		serviceKey = target.URL.Host
	}

	r := &discoveryResolver{
		serviceKey:   serviceKey,
		subscription: b.subscription,
		cc:           cc,
		log:          b.log.WithField("service-key", serviceKey),
	}
	b.subscription.Subscribe(serviceKey, r)

	// Seed the connection with the current state; an empty address list
	// is reported as such, never as an error.
	r.Update(b.subscription.GetURLs(serviceKey))
	return r, nil
}

type discoveryResolver struct {
	serviceKey   string
	subscription Subscription
	cc           resolver.ClientConn

	log *logging.Entry
}

// Update implements discovery.UpdateListener.
func (r *discoveryResolver) Update(urls []*url.URL) {
	addresses := make([]resolver.Address, 0, len(urls))
	for _, u := range urls {
		addresses = append(addresses, resolver.Address{Addr: u.Host})
	}
	if err := r.cc.UpdateState(resolver.State{Addresses: addresses}); err != nil {
		r.log.Debugf("Failed to push resolver state: %s", err)
	}
}

// ResolveNow implements resolver.Resolver. Updates are pushed by the
// listener, so there is nothing to kick.
func (r *discoveryResolver) ResolveNow(resolver.ResolveNowOptions) {}

// Close implements resolver.Resolver.
func (r *discoveryResolver) Close() {
	r.subscription.Unsubscribe(r.serviceKey)
}
