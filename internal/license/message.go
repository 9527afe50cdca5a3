// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package license

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Message is the entitlement carried by a DRM message token. The token is
// signed by the content provider for the license server; clients only read it.
type Message struct {
	Version            int
	ComKeyID           string
	Type               string
	Persistent         bool
	KeysBasedOnRequest bool
}

type messageClaims struct {
	Version  int    `json:"version"`
	ComKeyID string `json:"com_key_id"`
	Message  struct {
		Type    string `json:"type"`
		Version int    `json:"version"`
		License struct {
			AllowPersistence bool `json:"allow_persistence"`
		} `json:"license"`
		KeysBasedOnRequest bool `json:"keys_based_on_request"`
	} `json:"message"`
	jwt.RegisteredClaims
}

var errMessageNotEntitlement = errors.New("token carries no entitlement message")

// ParseMessage decodes a DRM message token without verifying its signature.
func ParseMessage(token string) (*Message, error) {
	var claims messageClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse message token: %w", err)
	}
	if claims.Message.Type == "" {
		return nil, errMessageNotEntitlement
	}
	return &Message{
		Version:            claims.Version,
		ComKeyID:           claims.ComKeyID,
		Type:               claims.Message.Type,
		Persistent:         claims.Message.License.AllowPersistence,
		KeysBasedOnRequest: claims.Message.KeysBasedOnRequest,
	}, nil
}

// checkMessage validates token for an offline acquisition. An empty token is
// accepted. The caller decides whether a returned error is fatal.
func checkMessage(token string) error {
	if token == "" {
		return nil
	}
	msg, err := ParseMessage(token)
	if err != nil {
		return newError(KindInvalidMessage, "", "", "malformed message token", err)
	}
	if !msg.Persistent {
		return newError(KindMessageNotPersistent, "", "", "message does not allow persistence", nil)
	}
	return nil
}
