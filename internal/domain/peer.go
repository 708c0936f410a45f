// Package domain contains entities without logic, just meta-data
package domain

import "errors"

const (
	MaxPeerIDLen      = 64
	MaxDisplayNameLen = 128
)

var (
	ErrPeerIDEmpty        = errors.New("peer id empty")
	ErrPeerIDTooLong      = errors.New("peer id too long")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

// Device describes the client software of a peer.
type Device struct {
	Flag    string `json:"flag,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// PeerInfo is what other participants learn about a joined peer.
type PeerInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Device      Device `json:"device"`
}

func ValidatePeerID(id string) error {
	if len(id) == 0 {
		return ErrPeerIDEmpty
	}
	if len(id) > MaxPeerIDLen {
		return ErrPeerIDTooLong
	}
	return nil
}

func ValidateDisplayName(name string) error {
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
