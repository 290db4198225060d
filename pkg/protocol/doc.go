// Package protocol defines the buzzer wire format: eight message kinds
// carried in one fixed 7-byte record. It has no behavior beyond encoding
// and validation; the role machines in package game give the kinds their
// meaning.
//
// Typical usage:
//
//	data := protocol.Encode(protocol.Message{Kind: protocol.Heartbeat, Participant: 2})
//	msg, err := protocol.Decode(data)
package protocol
