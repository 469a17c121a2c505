// Package resource implements the lifecycle shared by every observable device
// resource: registration with a transport, request routing (retrieve, observe,
// update), observer accounting, and the self-rearming notification scheduler
// that samples hardware only while someone is watching.
//
// A Resource owns all of its mutable state. Request handlers and scheduler
// ticks for one resource are serialized; different resources never share
// state and never block each other.
package resource
