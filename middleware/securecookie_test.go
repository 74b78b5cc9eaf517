package middleware

import (
	"net/http"
	"strings"
	"testing"
)

func testKeys() map[string][]byte {
	return map[string][]byte{"k1": make([]byte, KeySize)}
}

type payload struct {
	Name  string `cbor:"1,keyasint"`
	Count int    `cbor:"2,keyasint"`
}

func TestSecureCookieRoundTrip(t *testing.T) {
	sc, err := NewSecureCookie("test", "k1", testKeys())
	if err != nil {
		t.Fatal(err)
	}

	in := payload{Name: "alice", Count: 3}
	c, err := sc.Encode(in, 3600)
	if err != nil {
		t.Fatal(err)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie attributes: %+v", c)
	}
	if !strings.HasPrefix(c.Value, "k1.") {
		t.Errorf("value missing key id: %q", c.Value)
	}

	var out payload
	if err := sc.Decode(c, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestSecureCookieTamperDetection(t *testing.T) {
	sc, _ := NewSecureCookie("test", "k1", testKeys())
	c, _ := sc.Encode(payload{Name: "x"}, 3600)

	// Flip one character in the middle of the sealed payload. The trailing
	// character only carries base64 padding bits, so it is no good here.
	bs := []byte(c.Value)
	mid := len(bs) / 2
	if bs[mid] == 'A' {
		bs[mid] = 'B'
	} else {
		bs[mid] = 'A'
	}
	c.Value = string(bs)

	var out payload
	if err := sc.Decode(c, &out); err == nil {
		t.Error("tampered cookie decoded")
	}
}

func TestSecureCookieKeyRotation(t *testing.T) {
	oldKeys := map[string][]byte{"old": make([]byte, KeySize)}
	scOld, _ := NewSecureCookie("test", "old", oldKeys)
	c, _ := scOld.Encode(payload{Name: "y"}, 3600)

	// New sealing key, old key still in the ring.
	ring := map[string][]byte{"old": oldKeys["old"], "new": append(make([]byte, KeySize-1), 1)}
	scNew, err := NewSecureCookie("test", "new", ring)
	if err != nil {
		t.Fatal(err)
	}

	var out payload
	if err := scNew.Decode(c, &out); err != nil {
		t.Fatalf("old cookie rejected after rotation: %v", err)
	}
	if out.Name != "y" {
		t.Errorf("got %+v", out)
	}
}

func TestSecureCookieAADBindsAttributes(t *testing.T) {
	keys := testKeys()
	scA, _ := NewSecureCookie("test", "k1", keys, WithPath("/a"))
	scB, _ := NewSecureCookie("test", "k1", keys, WithPath("/b"))

	c, _ := scA.Encode(payload{Name: "z"}, 3600)
	var out payload
	if err := scB.Decode(c, &out); err == nil {
		t.Error("cookie accepted under different path binding")
	}
}

func TestSecureCookieRejectsBadKeys(t *testing.T) {
	if _, err := NewSecureCookie("test", "k1", map[string][]byte{"k1": make([]byte, 16)}); err == nil {
		t.Error("short key accepted")
	}
	if _, err := NewSecureCookie("test", "absent", testKeys()); err == nil {
		t.Error("missing keyID accepted")
	}
}

func TestSecureCookieClear(t *testing.T) {
	sc, _ := NewSecureCookie("test", "k1", testKeys())
	c := sc.Clear()
	if c.MaxAge != -1 || c.Value != "" || c.Name != "test" {
		t.Errorf("clear cookie: %+v", c)
	}
}
