package discovery

import (
	"time"
)

// Event is a notification delivered to an EventListener. The two concrete
// events are InstancesChangedEvent and RetryEvent.
type Event interface {
	sealed()
}

// InstancesChangedEvent carries the complete current instance list for one
// application. It replaces, not merges, the application's prior list.
type InstancesChangedEvent struct {
	App       string
	Instances []*ServiceInstance
}

// RetryEvent re-triggers reconciliation after a failed metadata resolution.
// FailureRecordTime is the moment the retry fired; a retry older than the
// last refresh is discarded because a newer event already re-evaluated the
// instance table.
type RetryEvent struct {
	FailureRecordTime time.Time
}

func (*InstancesChangedEvent) sealed() {}
func (*RetryEvent) sealed()            {}
