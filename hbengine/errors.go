package hbengine

import "errors"

// ErrMalformedMessage indicates an inbound envelope that could not be decoded.
// The message is dropped; the error is surfaced to the transport caller.
var ErrMalformedMessage = errors.New("malformed consensus message")

// ErrUnexpectedMessage indicates a sealing message for which no matching
// roster snapshot is available. The message is dropped.
var ErrUnexpectedMessage = errors.New("unexpected consensus message")

// ErrRequiresClient indicates the engine is not yet wired to a host node.
// The operation is aborted and retried naturally on the next trigger.
var ErrRequiresClient = errors.New("engine requires a registered client")

// ErrRequiresSigner indicates the engine has no local signing key.
// The operation is aborted and retried naturally on the next trigger.
var ErrRequiresSigner = errors.New("engine requires a signer")
