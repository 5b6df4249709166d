// Package id generates opaque identifiers for sessions, clients,
// tokens and permission requests.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 21-character alphanumeric nanoid, used for
// session and client ids.
func Generate() string {
	return must(21)
}

// Short returns a 10-character alphanumeric nanoid, used as the random
// component of permission request ids.
func Short() string {
	return must(10)
}

// Token returns a 48-character alphanumeric nanoid suitable for use as
// a bearer token.
func Token() string {
	return must(48)
}

func must(n int) string {
	id, err := gonanoid.Generate(alphabet, n)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
