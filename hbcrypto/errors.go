package hbcrypto

import "errors"

var ErrInvalidShare = errors.New("signature share could not be verified")

var ErrUnknownKey = errors.New("unknown key")

var ErrThresholdNotMet = errors.New("threshold not met")
