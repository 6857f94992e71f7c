// Package auth implements the password-based authentication mechanisms the
// connection state machine (internal/proto) can be asked to perform:
// cleartext, MD5, and SASL SCRAM-SHA-256. Every function here is pure with
// respect to I/O — it only transforms bytes — so internal/proto's state
// transitions stay deterministic and testable without a network (spec.md
// §8 invariant #4).
package auth

import (
	"crypto/md5" //nolint:gosec // PostgreSQL's MD5 auth method is part of the wire protocol, not a security choice made here
	"encoding/hex"
)

// MD5Password computes PostgreSQL's "md5" + md5(md5(password+user)+salt)
// challenge response (spec.md §4.2, seed scenario S2).
func MD5Password(user, password string, salt [4]byte) string {
	h1 := md5.Sum([]byte(password + user)) //nolint:gosec
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt[:]...)) //nolint:gosec
	return "md5" + hex.EncodeToString(h2[:])
}
