// ABOUTME: Network clock synchronization package
// ABOUTME: Keeps a client's notion of time converging on an authoritative node
// Package sync keeps a subordinate node's "network time" tracking an
// authoritative node's clock over a request/response transport.
//
// The pieces, leaf first:
//   - MonotonicClock: never-decreasing tick source with a reconciled wall view
//   - RttEstimator: ring of recent round-trip samples with a median estimate
//   - TimeKeeper: per-node raw, corrected and fixed-step cursors
//   - SyncProcessor: turns one round trip into a retarget of a TimeKeeper
//   - SyncScheduler: single-winner gate on how often to start a round trip
//
// Engine wires one node's worth of these together.
//
// Example:
//
//	engine := sync.NewEngine(sync.DefaultConfig(), sync.NewMonotonicClock(nil))
//	if req, ok := engine.BeginSync(); ok {
//	    send(req)
//	}
//	// when the response arrives:
//	engine.HandleResponse(resp.UID, resp.ServerTicks)
//	// every frame:
//	engine.Keeper().Update()
package sync
