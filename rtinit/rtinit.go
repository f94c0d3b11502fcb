// Package rtinit is the core of the rtinit bootstrap, providing the
// individual components that take a container from environment variables to
// two supervised processes: the rTorrent daemon and the web tier serving
// ruTorrent.
//
// Mechanism of Operation
//
// Boot happens in three strictly ordered phases. First the Configuration
// Resolver reads the recognized environment variables, applies defaults,
// validates domains and verifies that the externally mounted directories are
// usable by the configured user. Second the Template Renderer writes the
// daemon and web-tier configuration files derived from the resolved
// configuration; rendering is idempotent, so an unchanged configuration never
// touches a file. Third the Process Supervisor spawns both children and
// blocks until one of them dies or the container is asked to stop.
//
// Session Locking
//
// rTorrent refuses to start over a session directory that still carries a
// lock file from a dead instance. To keep that invariant out of operator
// hands, the supervisor takes a flock on a file inside the session directory
// before spawning anything, and the shutdown protocol always gives the daemon
// its grace period to flush session state before anyone else is signaled.
//
// All components report what they do through a Journaler, a line-delimited
// event log that doubles as the container's stderr output.
package rtinit
