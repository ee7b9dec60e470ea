package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Runner instances use it to key their
// rows in the job journal.
func NewID() string {
	return ulid.Make().String()
}
