// Package portalloc implements the PortAllocator contract: given a set
// of requested port mappings and the set of ports already in use, it
// returns a concrete externalPort for every requested port, or fails
// with a PortConflict.
//
// Allocate is a pure function — no side effects, no shared state — so a
// failed allocation for one job never affects any other (spec B3).
package portalloc
