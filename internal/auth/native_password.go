// Package auth implements the MySQL handshake scramble and
// mysql_native_password challenge/response.
package auth

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mysql_native_password is specified as SHA-1
)

// ScrambleLen is the length of the handshake scramble.
const ScrambleLen = 20

// printable range the upstream reference restricts scramble bytes to, so
// the scramble survives text-oriented framing in clients that log or
// echo it: never 0x00 (a string terminator) and never a quote character.
const (
	printableLow  = 0x20
	printableHigh = 0x7e
)

// GenScramble produces a 20-byte challenge drawn from a uniform random
// source, restricted to printable, non-quote bytes.
func GenScramble() ([ScrambleLen]byte, error) {
	var out [ScrambleLen]byte
	raw := make([]byte, ScrambleLen)
	if _, err := rand.Read(raw); err != nil {
		return out, err
	}
	span := byte(printableHigh - printableLow + 1)
	for i, b := range raw {
		c := printableLow + (b % span)
		if c == '\'' || c == '"' {
			c = printableLow + ((c + 1) % span)
		}
		out[i] = c
	}
	return out, nil
}

// sha1Sum is a tiny wrapper so call sites read like the algorithm steps.
func sha1Sum(b []byte) [sha1.Size]byte {
	return sha1.Sum(b) //nolint:gosec
}

// BuildClientToken computes the client-side mysql_native_password
// response a real driver would send:
//
//	SHA1(password) XOR SHA1(scramble || SHA1(SHA1(password)))
//
// It is the inverse of VerifyNativePassword and exists for tests that
// need to exercise the full challenge/response round trip. Returns an
// empty token for an empty password, matching a password-less
// account's real wire behavior.
func BuildClientToken(scramble [ScrambleLen]byte, password []byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1Sum(password) // SHA1(password), i.e. step2
	return BuildClientTokenFromStep2(scramble, h1[:])
}

// BuildClientTokenFromStep2 computes the same mysql_native_password
// response as BuildClientToken, but starting from step2 (SHA1(password))
// directly rather than the plaintext password. This is what lets a
// connection that only ever learned step2 during its own authentication
// replay that credential against a backend without ever recovering or
// storing the plaintext password.
func BuildClientTokenFromStep2(scramble [ScrambleLen]byte, step2 []byte) []byte {
	if len(step2) == 0 {
		return []byte{}
	}
	h2 := sha1Sum(step2) // SHA1(step2) == SHA1(SHA1(password))
	h := sha1NewWithScrambleAndH2(scramble, h2)
	token := make([]byte, sha1.Size)
	for i := range token {
		token[i] = step2[i] ^ h[i]
	}
	return token
}

func sha1NewWithScrambleAndH2(scramble [ScrambleLen]byte, h2 [sha1.Size]byte) [sha1.Size]byte {
	h := sha1.New() //nolint:gosec
	h.Write(scramble[:])
	h.Write(h2[:])
	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DoubleSHA1 computes SHA1(SHA1(password)), the digest the user
// repository stores.
func DoubleSHA1(password []byte) [sha1.Size]byte {
	h1 := sha1Sum(password)
	return sha1Sum(h1[:])
}

// VerifyNativePassword implements the mysql_native_password
// verification algorithm. On success it also returns step2
// (SHA1(password)), the only credential material this gateway is
// permitted to forward to a backend during replay.
//
//  1. step1 = SHA1(scramble || storedDoubleSHA1)
//  2. step2 = clientToken XOR step1  (claimed SHA1(password))
//  3. ok    = SHA1(step2) == storedDoubleSHA1
//
// An empty clientToken succeeds only for a password-less account, whose
// storedDoubleSHA1 is either the zero value or SHA1(SHA1("")), the
// digest of the empty password; an empty token against any other stored
// digest fails.
func VerifyNativePassword(scramble [ScrambleLen]byte, clientToken []byte, storedDoubleSHA1 [sha1.Size]byte) (ok bool, step2 []byte) {
	var zero [sha1.Size]byte
	if len(clientToken) == 0 {
		if storedDoubleSHA1 == zero || storedDoubleSHA1 == DoubleSHA1(nil) {
			return true, nil
		}
		return false, nil
	}
	if len(clientToken) != sha1.Size {
		return false, nil
	}

	step1 := sha1NewWithScrambleAndH2Stored(scramble, storedDoubleSHA1)

	step2 = make([]byte, sha1.Size)
	for i := range step2 {
		step2[i] = clientToken[i] ^ step1[i]
	}

	check := sha1Sum(step2)
	if check != storedDoubleSHA1 {
		return false, nil
	}
	return true, step2
}

func sha1NewWithScrambleAndH2Stored(scramble [ScrambleLen]byte, storedDoubleSHA1 [sha1.Size]byte) [sha1.Size]byte {
	h := sha1.New() //nolint:gosec
	h.Write(scramble[:])
	h.Write(storedDoubleSHA1[:])
	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
