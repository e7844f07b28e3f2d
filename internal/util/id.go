package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 128-bit identifier, hex encoded. The kind, when
// given, is prepended so keys name the sort of object they label (for
// example "desc_3f2a...").
func NewID(kind string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if kind == "" {
		return id
	}
	return kind + "_" + id
}
