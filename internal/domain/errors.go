package domain

import "errors"

var (
	ErrInvalidAddress    = errors.New("invalid sender address")
	ErrTransientBackend  = errors.New("transient backend failure")
	ErrPermanentBackend  = errors.New("permanent backend failure")
	ErrUnregisteredUser  = errors.New("user not registered")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrSessionLinkLost   = errors.New("session link lost")
	ErrPairingRequired   = errors.New("pairing required")
	ErrPairingTimeout    = errors.New("pairing timed out")
	ErrNotConnected      = errors.New("session not connected")
	ErrSessionTerminated = errors.New("session terminated")
)
