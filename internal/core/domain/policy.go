package domain

import "time"

// DriverStatus is the external job-state signal the Connection Policy
// Engine keys on. It arrives from the dispatch data store and is treated
// as opaque beyond the values enumerated here.
type DriverStatus string

const (
	StatusIdle      DriverStatus = "idle"       // waiting for an assignment
	StatusAssigned  DriverStatus = "assigned"   // job dispatched, heading to pickup
	StatusPickup    DriverStatus = "pickup"     // pickup in progress
	StatusDriving   DriverStatus = "driving"    // passenger on board
	StatusTripDone  DriverStatus = "trip_done"  // trip finished
)

// PolicyRule decides what happens to an idle voice connection after the
// operator releases the PTT control.
type PolicyRule struct {
	// AutoDisconnectDelay is how long the channel stays joined after
	// release. Zero means disconnect immediately and tear down any open
	// connection.
	AutoDisconnectDelay time.Duration `yaml:"auto_disconnect_delay"`
	// MaintainConnection keeps the channel joined indefinitely; the
	// delay is ignored when set.
	MaintainConnection bool `yaml:"maintain_connection"`
	// AutoReconnect allows the coordinator to rejoin after a transient
	// provider drop without a fresh press.
	AutoReconnect bool `yaml:"auto_reconnect"`
}

// PolicyTable maps each driver status to its rule.
type PolicyTable map[DriverStatus]PolicyRule

// DefaultPolicyTable is the production table. Driving gets an immediate,
// forced teardown: PTT while a passenger is on board is discouraged.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		StatusIdle:     {AutoDisconnectDelay: 60 * time.Second},
		StatusAssigned: {AutoDisconnectDelay: 20 * time.Second},
		StatusPickup:   {AutoDisconnectDelay: 20 * time.Second},
		StatusDriving:  {AutoDisconnectDelay: 0},
		StatusTripDone: {AutoDisconnectDelay: 60 * time.Second},
	}
}

// Resolve returns the rule for a status, falling back to the idle rule for
// statuses the table does not know.
func (t PolicyTable) Resolve(status DriverStatus) PolicyRule {
	if rule, ok := t[status]; ok {
		return rule
	}
	return t[StatusIdle]
}
