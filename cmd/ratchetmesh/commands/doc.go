// Package commands defines the ratchetmesh CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - keys       Register devices and manage prekey pools
//   - negotiate  Resolve the strongest shared algorithm for a device set
//   - migrate    Assess, start, inspect, and cancel algorithm migrations
//   - session    Run a local handshake and message round trip
//   - version    Print the build version
//
// # Implementation
//
// The root command builds an engine before any subcommand runs. State lives
// in process memory by default; --redis and --mongo swap in the shared
// backends so multiple invocations see the same devices and jobs.
package commands
