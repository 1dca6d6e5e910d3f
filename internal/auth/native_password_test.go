package auth

import (
	"bytes"
	"testing"
)

func TestGenScrambleRestrictedBytes(t *testing.T) {
	scramble, err := GenScramble()
	if err != nil {
		t.Fatalf("GenScramble: %v", err)
	}
	for _, b := range scramble {
		if b == 0 || b == '\'' || b == '"' {
			t.Fatalf("scramble contains forbidden byte 0x%02x", b)
		}
		if b < printableLow || b > printableHigh {
			t.Fatalf("scramble byte 0x%02x outside printable range", b)
		}
	}
}

func TestVerifyNativePasswordRoundTrip(t *testing.T) {
	scramble, err := GenScramble()
	if err != nil {
		t.Fatalf("GenScramble: %v", err)
	}
	for _, pwd := range []string{"secret", "", "a-much-longer-password-1234567890"} {
		stored := DoubleSHA1([]byte(pwd))
		token := BuildClientToken(scramble, []byte(pwd))

		ok, step2 := VerifyNativePassword(scramble, token, stored)
		if !ok {
			t.Fatalf("pwd=%q: expected success", pwd)
		}
		if pwd != "" {
			h1 := sha1Sum([]byte(pwd))
			if !bytes.Equal(step2, h1[:]) {
				t.Fatalf("pwd=%q: step2 mismatch", pwd)
			}
		}
	}
}

func TestBuildClientTokenFromStep2MatchesPasswordForm(t *testing.T) {
	scramble, err := GenScramble()
	if err != nil {
		t.Fatalf("GenScramble: %v", err)
	}
	for _, pwd := range []string{"secret", "a-much-longer-password-1234567890"} {
		h1 := sha1Sum([]byte(pwd))
		fromPassword := BuildClientToken(scramble, []byte(pwd))
		fromStep2 := BuildClientTokenFromStep2(scramble, h1[:])
		if !bytes.Equal(fromPassword, fromStep2) {
			t.Fatalf("pwd=%q: token mismatch between password and step2 forms", pwd)
		}
	}
}

func TestBuildClientTokenFromStep2ReplaysAgainstVerify(t *testing.T) {
	scramble, err := GenScramble()
	if err != nil {
		t.Fatalf("GenScramble: %v", err)
	}
	stored := DoubleSHA1([]byte("secret"))

	clientToken := BuildClientToken(scramble, []byte("secret"))
	ok, step2 := VerifyNativePassword(scramble, clientToken, stored)
	if !ok {
		t.Fatal("expected client authentication to succeed")
	}

	backendScramble, err := GenScramble()
	if err != nil {
		t.Fatalf("GenScramble: %v", err)
	}
	replayToken := BuildClientTokenFromStep2(backendScramble, step2)
	ok, _ = VerifyNativePassword(backendScramble, replayToken, stored)
	if !ok {
		t.Fatal("expected step2 replay to authenticate against a fresh scramble")
	}
}

func TestBuildClientTokenFromStep2EmptyStep2(t *testing.T) {
	scramble, _ := GenScramble()
	if tok := BuildClientTokenFromStep2(scramble, nil); len(tok) != 0 {
		t.Fatalf("expected empty token for empty step2, got %d bytes", len(tok))
	}
}

func TestVerifyNativePasswordWrongPassword(t *testing.T) {
	scramble, _ := GenScramble()
	stored := DoubleSHA1([]byte("correct"))
	token := BuildClientToken(scramble, []byte("wrong"))

	ok, _ := VerifyNativePassword(scramble, token, stored)
	if ok {
		t.Fatal("expected failure for wrong password")
	}
}

func TestVerifyNativePasswordEmptyTokenPasswordlessAccount(t *testing.T) {
	scramble, _ := GenScramble()
	var stored [20]byte // zero digest == password-less account

	ok, step2 := VerifyNativePassword(scramble, nil, stored)
	if !ok {
		t.Fatal("expected success for empty token against empty stored digest")
	}
	if step2 != nil {
		t.Fatal("expected nil step2 for password-less account")
	}
}

func TestVerifyNativePasswordEmptyTokenAgainstRealDigest(t *testing.T) {
	scramble, _ := GenScramble()
	stored := DoubleSHA1([]byte("secret"))

	ok, _ := VerifyNativePassword(scramble, nil, stored)
	if ok {
		t.Fatal("expected failure: empty token against a real stored digest")
	}
}

func TestVerifyNativePasswordMalformedTokenLength(t *testing.T) {
	scramble, _ := GenScramble()
	stored := DoubleSHA1([]byte("secret"))

	ok, _ := VerifyNativePassword(scramble, []byte{1, 2, 3}, stored)
	if ok {
		t.Fatal("expected failure for wrong-length token")
	}
}
