package domain

import "time"

// WorkerMessage is the sealed set of messages a verifier worker posts back to
// the controller. Exactly one of Ping or Partial forms exists per message type.
type WorkerMessage interface {
	workerMessage()
}

// PingMessage is the worker heartbeat.
type PingMessage struct {
	WorkerIndex int
	At          time.Time
}

func (PingMessage) workerMessage() {}

// PartialResult is one pass over a request: the verdicts reached so far plus
// the tagging sets the controller needs for greylist/blacklist bookkeeping.
type PartialResult struct {
	WorkerIndex     int
	RequestID       string
	Results         ResultMap
	Greylisted      []string
	Blacklisted     []string
	RecheckRequired []string
}

func (PartialResult) workerMessage() {}
