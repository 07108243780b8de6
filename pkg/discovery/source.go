package discovery

import (
	"net/url"
	"strings"
	"sync"

	logging "github.com/sirupsen/logrus"
)

type (
	// EventListener consumes instance-change events for the applications
	// it watches. Its identity is the watched application set: two
	// listeners with the same set are the same listener as far as a
	// Source is concerned.
	EventListener interface {
		// OnEvent delivers an event. Implementations serialize
		// concurrent calls themselves.
		OnEvent(ev Event)

		// Accepts reports whether the listener watches app.
		Accepts(app string) bool

		// Apps returns the sorted watched application set.
		Apps() []string
	}

	// UpdateListener is notified with the current resolvable URL list for
	// the service key it subscribed to. The list is never nil.
	UpdateListener interface {
		Update(urls []*url.URL)
	}

	// Source is the upstream feed of instance-change events.
	Source interface {
		AddListener(l EventListener)
		RemoveListener(l EventListener)
	}

	// Dispatcher routes instance-change events to the registered
	// listeners that accept them. Listeners are deduplicated by their
	// application set.
	Dispatcher struct {
		mu        sync.RWMutex
		listeners map[string]EventListener

		log *logging.Entry
	}
)

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		listeners: make(map[string]EventListener),
		log:       logging.WithField("component", "dispatcher"),
	}
}

func listenerKey(l EventListener) string {
	return strings.Join(l.Apps(), ",")
}

// Add registers a listener. A listener watching an identical application set
// is already registered, so the call is a no-op.
func (d *Dispatcher) Add(l EventListener) {
	key := listenerKey(l)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listeners[key]; ok {
		d.log.Debugf("Listener for [%s] already registered", key)
		return
	}
	d.listeners[key] = l
}

// Remove deregisters a listener by identity.
func (d *Dispatcher) Remove(l EventListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, listenerKey(l))
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// Dispatch delivers the event to every listener that accepts its
// application. Listeners are invoked outside the registry lock since event
// processing may block on metadata fetches.
func (d *Dispatcher) Dispatch(ev *InstancesChangedEvent) {
	d.mu.RLock()
	accepting := make([]EventListener, 0, len(d.listeners))
	for _, l := range d.listeners {
		if l.Accepts(ev.App) {
			accepting = append(accepting, l)
		}
	}
	d.mu.RUnlock()

	for _, l := range accepting {
		l.OnEvent(ev)
	}
}
