// Package contracts defines what travels between the order publisher and its
// consumers.
//
// It holds:
//   - Envelope: the JSON unit of transfer (eventId, eventType, timestamp, data)
//   - Order: the domain payload carried in an envelope's data field
//   - Handler: the function shape every consumer-side collaborator implements
//   - Routing helpers: validation and matching for dot-separated topic keys
//
// The wire format is plain JSON so that non-Go publishers and consumers
// bound to the same exchange interoperate.
package contracts
