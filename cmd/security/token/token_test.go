package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestDigester_UnkeyedIsSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("abc"))
	want := hex.EncodeToString(sum[:])

	if got := (Digester{}).Sum("abc"); got != want {
		t.Fatalf("Sum=%s want %s", got, want)
	}
	if NewDigester(nil).Keyed() {
		t.Fatal("nil key must not be keyed")
	}
}

func TestDigester_KeyedIsHMAC(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))
	m := hmac.New(sha256.New, key)
	m.Write([]byte("abc"))
	want := hex.EncodeToString(m.Sum(nil))

	d := NewDigester(key)
	key[0] = 'x' // digester keeps its own copy
	if got := d.Sum("abc"); got != want {
		t.Fatalf("Sum=%s want %s", got, want)
	}
	if got := d.Sum("abc"); len(got) != 64 || got == HashSHA256Hex("abc") {
		t.Fatalf("unexpected digest %q", got)
	}
}

func TestHashTokenHex_FollowsEnv(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if HashTokenHex("abc") != HashSHA256Hex("abc") || HMACEnabled() {
		t.Fatal("expected sha256 fallback without a key")
	}

	key := strings.Repeat("k", 32)
	t.Setenv(HMACEnvKey, "  "+key+"  ")
	got := HashTokenHex("abc")
	if got != NewDigester([]byte(key)).Sum("abc") || !HMACEnabled() {
		t.Fatal("expected trimmed env key to be used")
	}
	if !Equal(got, HashTokenHex("abc")) {
		t.Fatal("digest must be deterministic")
	}
}

func TestHMACKeyFromEnv(t *testing.T) {
	cases := []struct {
		name string
		val  string
		want error
	}{
		{name: "missing", val: "", want: ErrHMACKeyMissing},
		{name: "short", val: "short", want: ErrHMACKeyTooShort},
		{name: "ok", val: strings.Repeat("x", MinHMACKeyBytes), want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(HMACEnvKey, tc.val)
			_, err := HMACKeyFromEnv(MinHMACKeyBytes)
			if err != tc.want {
				t.Fatalf("err=%v want=%v", err, tc.want)
			}
		})
	}
}
