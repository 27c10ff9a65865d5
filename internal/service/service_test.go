package service

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Service
	}{
		{"tor", Tor},
		{"Base_Node", BaseNode},
		{"base-node", BaseNode},
		{" wallet ", Wallet},
		{"sha3_miner", Sha3Miner},
		{"mm-proxy", MMProxy},
		{"xmrig", XMrig},
		{"monerod", Monerod},
		{"log_shipper", LogShipper},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseUnknown(t *testing.T) {
	if _, err := Parse("bitcoind"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if _, err := Parse(""); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown for empty name, got %v", err)
	}
}

func TestAllRoundTrip(t *testing.T) {
	all := All()
	if len(all) != 8 {
		t.Fatalf("expected 8 services, got %d", len(all))
	}
	for _, s := range all {
		got, err := Parse(s.String())
		if err != nil || got != s {
			t.Fatalf("round trip %v: got %v err %v", s, got, err)
		}
	}
	if Service(42).Valid() {
		t.Fatal("out of range service reported valid")
	}
	if Service(42).String() != "service(42)" {
		t.Fatalf("unexpected string for invalid service: %s", Service(42).String())
	}
}

func TestJSONMapKeys(t *testing.T) {
	in := map[Service]int{Tor: 1, Monerod: 2}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"monerod":2,"tor":1}` {
		t.Fatalf("unexpected json: %s", b)
	}
	var out map[Service]int
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out[Tor] != 1 || out[Monerod] != 2 {
		t.Fatalf("unexpected decode: %v", out)
	}
}
