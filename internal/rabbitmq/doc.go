// Package rabbitmq provides the broker client used by the order services.
//
// This package includes:
//   - ConnectionManager: one lazily established, shared connection with
//     fixed-delay re-establishment after loss
//   - ChannelManager: one confirm-mode channel derived from that connection,
//     declaring the events exchange whenever it is opened
//   - Publisher: persistent JSON publishing that waits for the broker confirm
//   - Consumer: durable queue consumption with fair dispatch and manual
//     acknowledgment
//
// Acquisition is de-duplicated: concurrent callers asking for a connection
// or channel while none is live share a single attempt.
package rabbitmq
