package watcher

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcfield/discovery/pkg/discovery"
	"github.com/arcfield/discovery/pkg/metadata"
	logging "github.com/sirupsen/logrus"
)

// The failure policy bounds metadata fetch attempts while the backend is
// unavailable: after maxConsecutiveFailures fast failures, a single probe is
// allowed per cooldown window. The policy is scoped to the listener, not to
// individual revisions.
const (
	maxConsecutiveFailures = 3
	failureCooldown        = 5 * time.Second
)

type (
	urlIndex map[string][]*url.URL

	// InstancesListener reconciles raw instance-change notifications for
	// a set of logical applications into a consistent mapping from
	// service key to resolvable endpoint URLs, and fans that mapping out
	// to subscribers. Each physical instance is resolved to its
	// exported-services metadata by revision; revisions already resolved
	// in a previous pass are reused without another fetch. A pass that
	// fails to resolve every revision publishes nothing, so subscribers
	// keep routing on the last known-good state, and arranges exactly
	// one deferred retry.
	InstancesListener struct {
		sortedApps []string
		apps       map[string]struct{}
		source     discovery.Source
		fetcher    metadata.Fetcher

		// mu serializes event processing and guards all state below.
		// No two reconciliation passes ever interleave.
		mu                 sync.Mutex
		listeners          map[string]discovery.UpdateListener
		allInstances       map[string][]*discovery.ServiceInstance
		revisionToMetadata map[string]*discovery.MetadataInfo
		lastRefresh        time.Time
		lastFailure        time.Time
		failures           int

		// serviceURLs holds the last fully resolved URL index. It is
		// swapped atomically so GetURLs never takes mu.
		serviceURLs atomic.Pointer[urlIndex]

		// retryGate is a binary permit: it is held from the moment a
		// retry is scheduled until the retry task starts running, so at
		// most one retry is ever outstanding.
		retryGate chan struct{}

		// submit runs deferred retry work and now reads the clock.
		// Tests swap both.
		submit func(task func())
		now    func() time.Time

		metrics listenerMetrics
		log     *logging.Entry
	}
)

// NewInstancesListener creates a listener watching the given application
// names. Events are expected through OnEvent from a discovery source; the
// source itself is only used to detach the listener once its last subscriber
// unsubscribes.
func NewInstancesListener(apps []string, source discovery.Source, fetcher metadata.Fetcher) *InstancesListener {
	sorted := make([]string, len(apps))
	copy(sorted, apps)
	sort.Strings(sorted)

	set := make(map[string]struct{}, len(sorted))
	for _, app := range sorted {
		set[app] = struct{}{}
	}

	appsLabel := strings.Join(sorted, ",")
	l := &InstancesListener{
		sortedApps:         sorted,
		apps:               set,
		source:             source,
		fetcher:            fetcher,
		listeners:          make(map[string]discovery.UpdateListener),
		allInstances:       make(map[string][]*discovery.ServiceInstance),
		revisionToMetadata: make(map[string]*discovery.MetadataInfo),
		retryGate:          make(chan struct{}, 1),
		submit:             func(task func()) { go task() },
		now:                time.Now,
		metrics:            listenerVecs.newListenerMetrics(appsLabel),
		log: logging.WithFields(logging.Fields{
			"component": "instances-listener",
			"apps":      appsLabel,
		}),
	}
	empty := make(urlIndex)
	l.serviceURLs.Store(&empty)
	return l
}

// OnEvent implements discovery.EventListener. It is the sole mutator of the
// listener's state; concurrent calls are fully serialized. Subscribers
// observe no intermediate state: the URL index is only replaced once every
// revision in the current instance table has resolved metadata.
func (l *InstancesListener) OnEvent(ev discovery.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev := ev.(type) {
	case *discovery.RetryEvent:
		l.log.Warnf("Received address refresh retry event, recorded at %s", ev.FailureRecordTime)
		if ev.FailureRecordTime.Before(l.lastRefresh) {
			l.log.Warnf("Ignoring retry event recorded at %s, last refresh at %s", ev.FailureRecordTime, l.lastRefresh)
			return
		}
		l.log.Warn("Retrying address notification")
	case *discovery.InstancesChangedEvent:
		l.log.Infof("Received instance notification, app: %s, instances: %d", ev.App, len(ev.Instances))
		l.allInstances[ev.App] = ev.Instances
		l.lastRefresh = l.now()
	}

	l.refresh()
}

// refresh runs one reconciliation pass over the full instance table.
func (l *InstancesListener) refresh() {
	revisionToInstances := make(map[string][]*discovery.ServiceInstance)
	serviceToRevisions := make(map[string]map[string]struct{})
	newRevisionToMetadata := make(map[string]*discovery.MetadataInfo)

	for _, instances := range l.allInstances {
		for _, instance := range instances {
			revision := instance.Revision()
			if revision == discovery.EmptyRevision {
				l.log.Infof("Skipping instance without valid service metadata: %s", instance.Address)
				continue
			}
			revisionToInstances[revision] = append(revisionToInstances[revision], instance)

			info := l.resolveMetadata(instance, revision, newRevisionToMetadata, serviceToRevisions, len(revisionToInstances[revision]))

			// info is nil when the metadata backend could not be
			// reached; the revision stays unresolved for this pass.
			instance.Metadata = info
			newRevisionToMetadata[revision] = info
		}
	}

	if hasUnresolved(newRevisionToMetadata) {
		l.scheduleRetry()
		l.log.Warn("Address refresh failed because of metadata backend failure, waiting for retry or a new event")
		l.metrics.incRefreshFailures()
		// Keep the partial map so revisions that did resolve are not
		// fetched again by the retry pass.
		l.revisionToMetadata = newRevisionToMetadata
		return
	}

	// Reused revisions were transferred into the fresh map as they were
	// observed, so whatever is left in the old one is no longer
	// referenced by any instance.
	if len(l.revisionToMetadata) != 0 {
		l.log.Infof("Revisions removed: %v", revisionKeys(l.revisionToMetadata))
	}
	l.revisionToMetadata = newRevisionToMetadata

	newServiceURLs := make(urlIndex, len(serviceToRevisions))
	urlsByRevisions := make(map[string][]*url.URL)
	for serviceKey, revisions := range serviceToRevisions {
		setKey := canonicalRevisions(revisions)
		urls, ok := urlsByRevisions[setKey]
		if !ok {
			for _, revision := range strings.Split(setKey, ",") {
				for _, instance := range revisionToInstances[revision] {
					urls = append(urls, instance.URL())
				}
			}
			// Service keys with an identical revision set share
			// this exact list.
			urlsByRevisions[setKey] = urls
		}
		newServiceURLs[serviceKey] = urls
	}
	l.serviceURLs.Store(&newServiceURLs)
	l.metrics.incUpdates()

	l.notifyAll()
}

// resolveMetadata returns the metadata for revision, reusing the cached
// entry when present. Cached entries transfer into the fresh map being
// built, so the old cache ends the pass holding exactly the evicted
// revisions; repeat observations within the pass find the entry in the
// fresh map. A reused entry is re-parsed only when a second instance is
// observed for the same revision, which repopulates the service groupings
// even though the fetch was skipped.
func (l *InstancesListener) resolveMetadata(instance *discovery.ServiceInstance, revision string, newRevisionToMetadata map[string]*discovery.MetadataInfo, serviceToRevisions map[string]map[string]struct{}, observed int) *discovery.MetadataInfo {
	info := l.revisionToMetadata[revision]
	delete(l.revisionToMetadata, revision)
	if info == nil {
		info = newRevisionToMetadata[revision]
	}

	if info == nil {
		if l.failures < maxConsecutiveFailures || l.now().Sub(l.lastFailure) > failureCooldown {
			fetched, err := l.fetcher.FetchMetadata(context.Background(), instance)
			if err != nil {
				l.log.Errorf("Failed to fetch metadata for instance %s (revision %s): %s", instance.Address, revision, err)
				l.lastFailure = l.now()
				l.failures++
				l.metrics.incFetches(fetchResultFailure)
				return nil
			}
			l.log.Infof("Fetched metadata for instance %s, revision %s", instance.Address, revision)
			l.failures = 0
			l.metrics.incFetches(fetchResultSuccess)
			l.parseMetadata(revision, fetched, serviceToRevisions)
			info = fetched
		}
		return info
	}

	if observed > 1 {
		l.parseMetadata(revision, info, serviceToRevisions)
	}
	return info
}

// parseMetadata adds revision to the revision set of every service the
// metadata declares.
func (l *InstancesListener) parseMetadata(revision string, info *discovery.MetadataInfo, serviceToRevisions map[string]map[string]struct{}) {
	for serviceKey := range info.Services {
		revisions, ok := serviceToRevisions[serviceKey]
		if !ok {
			revisions = make(map[string]struct{})
			serviceToRevisions[serviceKey] = revisions
		}
		revisions[revision] = struct{}{}
	}
}

// scheduleRetry arranges at most one deferred re-evaluation of the instance
// table. If a retry is already pending the call is a no-op: the pending pass
// re-evaluates the whole table and reschedules if revisions still fail to
// resolve. The effective retry cadence is governed by the failure cooldown,
// not by a timer here.
func (l *InstancesListener) scheduleRetry() {
	select {
	case l.retryGate <- struct{}{}:
	default:
		return
	}

	l.metrics.incRetries()
	l.log.Warn("Address refresh retry task submitted")
	l.submit(func() {
		<-l.retryGate
		// Stamped when the retry fires: only a refresh processed after
		// this point supersedes it. Passes that happened while the task
		// was pending never make it discard itself.
		l.OnEvent(&discovery.RetryEvent{FailureRecordTime: l.now()})
	})
}

func (l *InstancesListener) notifyAll() {
	urls := *l.serviceURLs.Load()
	for serviceKey, listener := range l.listeners {
		listener.Update(toURLsWithEmpty(urls[serviceKey]))
	}
}

// Subscribe registers a subscriber for serviceKey. It is notified after
// every successful reconciliation pass with the key's current URL list.
func (l *InstancesListener) Subscribe(serviceKey string, listener discovery.UpdateListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners[serviceKey] = listener
	l.metrics.setSubscribers(len(l.listeners))
}

// Unsubscribe removes the subscriber for serviceKey. Removing the last one
// detaches the listener from its discovery source.
func (l *InstancesListener) Unsubscribe(serviceKey string) {
	l.mu.Lock()
	delete(l.listeners, serviceKey)
	empty := len(l.listeners) == 0
	l.metrics.setSubscribers(len(l.listeners))
	l.mu.Unlock()

	if empty {
		l.metrics.unregister()
		if l.source != nil {
			l.source.RemoveListener(l)
		}
	}
}

// GetURLs returns the most recently published URL list for serviceKey. The
// result is never nil. Reads are served from the published snapshot without
// taking the reconciliation lock.
func (l *InstancesListener) GetURLs(serviceKey string) []*url.URL {
	return toURLsWithEmpty((*l.serviceURLs.Load())[serviceKey])
}

// Accepts implements discovery.EventListener.
func (l *InstancesListener) Accepts(app string) bool {
	_, ok := l.apps[app]
	return ok
}

// Apps implements discovery.EventListener. The watched application set is
// the listener's identity.
func (l *InstancesListener) Apps() []string {
	return l.sortedApps
}

func toURLsWithEmpty(urls []*url.URL) []*url.URL {
	if urls == nil {
		return []*url.URL{}
	}
	return urls
}

func hasUnresolved(revisionToMetadata map[string]*discovery.MetadataInfo) bool {
	for _, info := range revisionToMetadata {
		if info == nil {
			return true
		}
	}
	return false
}

func canonicalRevisions(revisions map[string]struct{}) string {
	keys := make([]string, 0, len(revisions))
	for revision := range revisions {
		keys = append(keys, revision)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func revisionKeys(revisionToMetadata map[string]*discovery.MetadataInfo) []string {
	keys := make([]string, 0, len(revisionToMetadata))
	for revision := range revisionToMetadata {
		keys = append(keys, revision)
	}
	sort.Strings(keys)
	return keys
}
