// Package signaling implements the conference signaling relay: a WebSocket
// endpoint through which browser clients join rooms and exchange WebRTC
// offer/answer/ICE negotiation plus chat and moderation events. No media ever
// passes through it.
//
// Wire messages are strict JSON: unknown fields and trailing data are
// rejected, and every message type validates its required fields before the
// hub routes it. The message types are exported so the client package speaks
// the same contract.
package signaling
