// Package core implements the relaymesh actor runtime.
//
// A Node owns a Router and the FlowControls admission tables. Actors are
// spawned at string addresses; each one is driven by a relay that runs
// Initialize, then the actor's loop, then Shutdown, and answers exactly
// one shutdown acknowledgment. Messages travel along a Route of
// addresses: the router resolves the first hop, admits flow-tagged
// messages only to authorized consumers and hands transport hops such as
// "tcp#10.0.0.1:4000" to the TransportRouter registered for them.
package core
