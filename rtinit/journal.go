package rtinit

// Journaler describes an event logger. Implementations live in the journal
// subpackage; components only ever write through this interface.
type Journaler interface {
	Write(Event) error
}
