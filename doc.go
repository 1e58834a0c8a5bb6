// Package qmux multiplexes many ordered, full-duplex byte streams over a
// single pre-existing message-oriented carrier.
//
// A carrier is any pair of (Sink, MessageStream) that moves discrete binary
// messages between two peers, in order, reliably — a message-framed
// socket, a websocket connection, or a pair of in-process pipes all
// qualify. qmux layers a TCP-like abstraction on top: numbered ports,
// Listeners that accept inbound streams, and a Dial-style Connect that
// opens outbound streams. Each logical stream is independent of every
// other stream sharing the same carrier.
//
// qmux does not perform cryptography, authentication, congestion
// control, or per-stream flow control; it relies entirely on the
// carrier for reliable, in-order delivery.
package qmux
