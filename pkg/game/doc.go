// Package game implements the two role state machines of the buzzer
// protocol.
//
// A Coordinator registers up to four participants, starts rounds on its
// local button and accepts the first ButtonPressed of each round. A
// Participant connects, heartbeats, claims wins optimistically and reports
// false starts. Both are driven by a periodic Tick and by Handle for inbound
// datagrams; neither ever blocks, and all waiting is a comparison against
// the injected clock.
package game
