// Package blocking implements the per-(database, key) waiter registry
// backing BLPOP/BRPOP and similar blocking commands.
//
// A connection registers a single Waiter across every key it is
// blocked on; a push to any one of those keys wakes the waiter once.
// Losing races re-register and re-check, same as the protocol's
// "race to acquire, losers re-park" contract.
package blocking
