package internal

import (
	"strings"
	"testing"
)

func TestRefreshTokenRoundTrip(t *testing.T) {
	sid, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	tid, err := NewTokenID()
	if err != nil {
		t.Fatalf("NewTokenID: %v", err)
	}
	secret, err := NewRefreshSecret()
	if err != nil {
		t.Fatalf("NewRefreshSecret: %v", err)
	}

	token, err := EncodeRefreshToken(sid.String(), tid.String(), secret)
	if err != nil {
		t.Fatalf("EncodeRefreshToken: %v", err)
	}

	gotSID, gotTID, gotSecret, err := DecodeRefreshToken(token)
	if err != nil {
		t.Fatalf("DecodeRefreshToken: %v", err)
	}
	if gotSID != sid.String() {
		t.Errorf("session id mismatch: %q vs %q", gotSID, sid.String())
	}
	if gotTID != tid.String() {
		t.Errorf("token id mismatch: %q vs %q", gotTID, tid.String())
	}
	if gotSecret != secret {
		t.Error("secret mismatch after round trip")
	}
}

func TestDecodeRefreshTokenRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"abc",
		"!!!not-base64!!!",
		"aGVsbG8",
		strings.Repeat("A", 63),
		strings.Repeat("A", 120),
	}
	for _, input := range cases {
		if _, _, _, err := DecodeRefreshToken(input); err == nil {
			t.Errorf("DecodeRefreshToken(%q) accepted malformed input", input)
		}
	}
}

func TestParseSessionIDRejectsWrongSize(t *testing.T) {
	if _, err := ParseSessionID("dG9vLXNob3J0"); err == nil {
		t.Error("ParseSessionID accepted a short id")
	}
	sid, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	parsed, err := ParseSessionID(sid.String())
	if err != nil {
		t.Fatalf("ParseSessionID: %v", err)
	}
	if parsed != sid {
		t.Error("parsed session id differs from original")
	}
}

// FuzzDecodeRefreshToken exercises refresh token decoding with arbitrary strings.
// Goal: no panics; invalid inputs should return errors cleanly.
func FuzzDecodeRefreshToken(f *testing.F) {
	f.Add("")
	f.Add("abc")
	f.Add(strings.Repeat("A", 86))
	f.Add("!!!not-base64!!!")

	sid, err := NewSessionID()
	if err == nil {
		tid, err := NewTokenID()
		if err == nil {
			secret, err := NewRefreshSecret()
			if err == nil {
				token, err := EncodeRefreshToken(sid.String(), tid.String(), secret)
				if err == nil {
					f.Add(token)
				}
			}
		}
	}

	f.Fuzz(func(t *testing.T, input string) {
		// Must not panic. Errors are fine for invalid inputs.
		sessionID, tokenID, secret, err := DecodeRefreshToken(input)
		if err != nil {
			return
		}

		reEncoded, err := EncodeRefreshToken(sessionID, tokenID, secret)
		if err != nil {
			t.Fatalf("re-encode of decoded token failed: %v", err)
		}
		sid2, tid2, secret2, err := DecodeRefreshToken(reEncoded)
		if err != nil {
			t.Fatalf("roundtrip decode failed: %v", err)
		}
		if sid2 != sessionID || tid2 != tokenID || secret2 != secret {
			t.Error("roundtrip mismatch")
		}
	})
}
