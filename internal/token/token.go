package token

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// size gives ~131 bits of randomness with the URL-safe default alphabet,
// enough for identifiers that double as unguessable capabilities.
const size = 22

// New returns a new random URL-safe identifier.
func New() string {
	return gonanoid.Must(size)
}
