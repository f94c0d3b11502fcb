package rtinit

// eventType describes an event type.
type eventType = string

const (
	eventWarning              eventType = "warning"
	eventLockAcquired         eventType = "session lock acquired"
	eventConfigResolved       eventType = "config resolved"
	eventFileRendered         eventType = "file rendered"
	eventProcessSpawned       eventType = "process spawned"
	eventProcessReady         eventType = "process ready"
	eventProcessSpawnError    eventType = "process spawn error"
	eventProcessExited        eventType = "process exited"
	eventRestartBudgetDrained eventType = "restart budget drained"
	eventShutdownBegan        eventType = "shutdown began"
)

// Event is an interface describing known events.
type Event interface {
	Type() string
	event()
}

// NewEvent creates a new event from the given event type. It is used
// primarily for decoding events from its type. Nil is returned if the event
// type is unknown.
func NewEvent(eventType string) Event {
	switch eventType {
	case eventWarning:
		return &EventWarning{}
	case eventLockAcquired:
		return &EventLockAcquired{}
	case eventConfigResolved:
		return &EventConfigResolved{}
	case eventFileRendered:
		return &EventFileRendered{}
	case eventProcessSpawned:
		return &EventProcessSpawned{}
	case eventProcessReady:
		return &EventProcessReady{}
	case eventProcessSpawnError:
		return &EventProcessSpawnError{}
	case eventProcessExited:
		return &EventProcessExited{}
	case eventRestartBudgetDrained:
		return &EventRestartBudgetDrained{}
	case eventShutdownBegan:
		return &EventShutdownBegan{}
	default:
		return nil
	}
}

// EventWarning is emitted when a non-fatal error occurs.
type EventWarning struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

func (ev *EventWarning) Type() string { return eventWarning }
func (ev *EventWarning) event()       {}

// EventLockAcquired is emitted when the flock on the session directory is
// acquired, which is before any child is spawned.
type EventLockAcquired struct {
	Path string `json:"path"`
}

func (ev *EventLockAcquired) Type() string { return eventLockAcquired }
func (ev *EventLockAcquired) event()       {}

// EventConfigResolved is emitted once the environment has been resolved into
// a RuntimeConfig. Only the externally observable knobs are recorded.
type EventConfigResolved struct {
	PUID          int    `json:"puid"`
	PGID          int    `json:"pgid"`
	RutorrentPort int    `json:"rutorrent_port"`
	XMLRPCPort    int    `json:"xmlrpc_port"`
	DHTPort       int    `json:"dht_port"`
	IncomingPort  int    `json:"incoming_port"`
	WANIP         string `json:"wan_ip,omitempty"`
}

func (ev *EventConfigResolved) Type() string { return eventConfigResolved }
func (ev *EventConfigResolved) event()       {}

// EventFileRendered is emitted for every template target after rendering.
// Changed is false when the destination already held the same bytes and was
// left untouched.
type EventFileRendered struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Sum     string `json:"sum"`
	Changed bool   `json:"changed"`
}

func (ev *EventFileRendered) Type() string { return eventFileRendered }
func (ev *EventFileRendered) event()       {}

// EventProcessSpawned is emitted when a supervised process has been started
// for any reason, including a restart of the web tier.
type EventProcessSpawned struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

func (ev *EventProcessSpawned) Type() string { return eventProcessSpawned }
func (ev *EventProcessSpawned) event()       {}

// EventProcessReady is emitted when a supervised process reaches its
// readiness signal, or when its readiness deadline lapses and it is assumed
// running.
type EventProcessReady struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
	// Assumed is true when readiness was declared by deadline rather than by
	// an observed port bind.
	Assumed bool `json:"assumed,omitempty"`
}

func (ev *EventProcessReady) Type() string { return eventProcessReady }
func (ev *EventProcessReady) event()       {}

// EventProcessSpawnError is emitted when a process fails to start for any
// reason.
type EventProcessSpawnError struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (ev *EventProcessSpawnError) Type() string { return eventProcessSpawnError }
func (ev *EventProcessSpawnError) event()       {}

// EventProcessExited is emitted when a supervised process has stopped for any
// reason.
type EventProcessExited struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"` // -1 if interrupted or terminated
}

func (ev *EventProcessExited) Type() string { return eventProcessExited }
func (ev *EventProcessExited) event()       {}

// EventRestartBudgetDrained is emitted when the web tier has died more times
// than its restart budget allows. The supervisor treats this as fatal.
type EventRestartBudgetDrained struct {
	Name     string `json:"name"`
	Restarts int    `json:"restarts"`
}

func (ev *EventRestartBudgetDrained) Type() string { return eventRestartBudgetDrained }
func (ev *EventRestartBudgetDrained) event()       {}

// EventShutdownBegan is emitted when the supervisor starts the ordered
// shutdown protocol, before the daemon is signaled.
type EventShutdownBegan struct {
	Reason string `json:"reason"`
}

func (ev *EventShutdownBegan) Type() string { return eventShutdownBegan }
func (ev *EventShutdownBegan) event()       {}
