// Package relay implements the real-time chat relay.
//
// Clients hold one WebSocket each. Inbound frames are decoded and dispatched
// sequentially per connection; every change the store emits for the watched
// collections is fanned out to all registered sessions through one
// process-wide subscription per collection. Identity and persistence stay
// behind the identity and store contracts.
package relay
