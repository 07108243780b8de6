package consul

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arcfield/discovery/pkg/discovery"
	"github.com/hashicorp/consul/api"
	logging "github.com/sirupsen/logrus"
)

// Config holds the consul connection settings.
type Config struct {
	// Address of the consul agent, host:port.
	Address string

	// Datacenter to query; the agent's default when empty.
	Datacenter string

	// Token is the ACL token, if any.
	Token string

	// WaitTime bounds each blocking query.
	WaitTime time.Duration
}

// Source raises instance-change events from a consul catalog. One blocking
// health query loop runs per watched application; every index change is
// converted into an InstancesChangedEvent and dispatched to the listeners
// that accept the application.
type Source struct {
	client     *api.Client
	dispatcher *discovery.Dispatcher
	waitTime   time.Duration

	mu      sync.Mutex
	watches map[string]context.CancelFunc
	synced  map[string]bool

	log *logging.Entry
}

// NewSource connects to the consul agent described by cfg.
func NewSource(cfg Config) (*Source, error) {
	consulConfig := api.DefaultConfig()
	if cfg.Address != "" {
		consulConfig.Address = cfg.Address
	}
	consulConfig.Datacenter = cfg.Datacenter
	consulConfig.Token = cfg.Token

	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	waitTime := cfg.WaitTime
	if waitTime == 0 {
		waitTime = 30 * time.Second
	}

	return &Source{
		client:     client,
		dispatcher: discovery.NewDispatcher(),
		waitTime:   waitTime,
		watches:    make(map[string]context.CancelFunc),
		synced:     make(map[string]bool),
		log:        logging.WithField("component", "consul-source"),
	}, nil
}

// Instances returns the current healthy instances of an application.
func (s *Source) Instances(ctx context.Context, app string) ([]*discovery.ServiceInstance, error) {
	entries, _, err := s.client.Health().Service(app, "", true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", app, err)
	}
	return convertEntries(app, entries), nil
}

// AddListener implements discovery.Source. It registers the listener and
// starts a watch loop for every application it covers that is not watched
// yet.
func (s *Source) AddListener(l discovery.EventListener) {
	s.dispatcher.Add(l)
	for _, app := range l.Apps() {
		s.watchApp(app)
	}
}

// RemoveListener implements discovery.Source.
func (s *Source) RemoveListener(l discovery.EventListener) {
	s.dispatcher.Remove(l)
}

// Ready reports whether every watched application has completed its initial
// query.
func (s *Source) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for app := range s.watches {
		if !s.synced[app] {
			return false
		}
	}
	return true
}

// Stop cancels all watch loops.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for app, cancel := range s.watches {
		cancel()
		delete(s.watches, app)
	}
}

func (s *Source) watchApp(app string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[app]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.watches[app] = cancel
	s.log.Infof("Establishing watch on application %s", app)
	go s.watch(ctx, app)
}

func (s *Source) watch(ctx context.Context, app string) {
	var lastIndex uint64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		opts := &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  s.waitTime,
		}
		entries, meta, err := s.client.Health().Service(app, "", true, opts.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Errorf("Blocking query for %s failed: %s", app, err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		s.markSynced(app)

		index := nextWaitIndex(lastIndex, meta.LastIndex)
		if index == lastIndex {
			continue
		}
		lastIndex = index
		if index == 0 {
			s.log.Warnf("Index for %s moved backwards, restarting watch", app)
			continue
		}

		s.dispatcher.Dispatch(&discovery.InstancesChangedEvent{
			App:       app,
			Instances: convertEntries(app, entries),
		})
	}
}

// nextWaitIndex sanitizes a blocking-query index. An index that moved
// backwards means the agent restarted or was restored from a snapshot; the
// watch must restart from scratch and treat the accompanying data as suspect.
func nextWaitIndex(lastIndex, latest uint64) uint64 {
	if latest < lastIndex {
		return 0
	}
	return latest
}

func (s *Source) markSynced(app string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced[app] = true
}

func convertEntries(app string, entries []*api.ServiceEntry) []*discovery.ServiceInstance {
	instances := make([]*discovery.ServiceInstance, 0, len(entries))
	for _, entry := range entries {
		address := entry.Service.Address
		if address == "" {
			address = entry.Node.Address
		}

		meta := make(map[string]string, len(entry.Service.Meta))
		for k, v := range entry.Service.Meta {
			meta[k] = v
		}

		instances = append(instances, &discovery.ServiceInstance{
			App:     app,
			Address: net.JoinHostPort(address, strconv.Itoa(entry.Service.Port)),
			Meta:    meta,
		})
	}
	return instances
}
