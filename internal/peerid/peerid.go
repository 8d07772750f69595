// Package peerid generates the 20-byte peer identifier this client
// announces to trackers and peers. Peer-id generation is a
// collaborator per the core spec; its contents are never inspected by
// the download engine.
package peerid

import (
	"crypto/rand"
	"fmt"
)

// prefix identifies this client in the Azureus-style convention the
// teacher client used ("-GT0001-" for "GoTorrent"); goleech gets its
// own.
const prefix = "-GL0001-"

// Generate produces a fresh random 20-byte peer id.
func Generate() ([20]byte, error) {
	var id [20]byte
	copy(id[:], prefix)

	suffix := make([]byte, 20-len(prefix))
	if _, err := rand.Read(suffix); err != nil {
		return id, fmt.Errorf("peerid: generating random suffix: %w", err)
	}

	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	for i, b := range suffix {
		suffix[i] = alphabet[int(b)%len(alphabet)]
	}
	copy(id[len(prefix):], suffix)
	return id, nil
}
