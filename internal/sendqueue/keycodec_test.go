package sendqueue

import "testing"

func TestEncodeDecodeKey_Server(t *testing.T) {
	d := Server("remote.example.com")
	key, err := encodeKey(d, []byte("pdu-1"))
	if err != nil {
		t.Fatalf("encodeKey: %v", err)
	}

	gotDest, gotID, err := decodeKey(key)
	if err != nil {
		t.Fatalf("decodeKey: %v", err)
	}
	if gotDest != d {
		t.Fatalf("dest = %v, want %v", gotDest, d)
	}
	if string(gotID) != "pdu-1" {
		t.Fatalf("pduID = %q, want %q", gotID, "pdu-1")
	}
}

func TestEncodeDecodeKey_Appservice(t *testing.T) {
	d := Appservice("bridge-1")
	key, err := encodeKey(d, []byte("pdu-2"))
	if err != nil {
		t.Fatalf("encodeKey: %v", err)
	}

	gotDest, gotID, err := decodeKey(key)
	if err != nil {
		t.Fatalf("decodeKey: %v", err)
	}
	if gotDest.Kind != KindAppservice || gotDest.Name != "bridge-1" {
		t.Fatalf("dest = %v, want appservice:bridge-1", gotDest)
	}
	if string(gotID) != "pdu-2" {
		t.Fatalf("pduID = %q, want %q", gotID, "pdu-2")
	}
}

func TestEncodeKey_RejectsSeparatorInID(t *testing.T) {
	_, err := encodeKey(Server("example.com"), []byte{0xff})
	if err == nil {
		t.Fatal("expected error for pdu id containing separator byte")
	}
}

func TestMarkerKeyRoundtrip(t *testing.T) {
	d := Server("example.com")
	key, err := encodeKey(d, nil)
	if err != nil {
		t.Fatalf("encodeKey: %v", err)
	}
	if !isMarkerKey(key) {
		t.Fatal("expected marker key to be recognized")
	}

	gotDest, gotID, err := decodeKey(key)
	if err != nil {
		t.Fatalf("decodeKey: %v", err)
	}
	if gotDest != d {
		t.Fatalf("dest = %v, want %v", gotDest, d)
	}
	if len(gotID) != 0 {
		t.Fatalf("expected empty pdu id for marker, got %q", gotID)
	}
}

func TestDecodeKey_NoSeparator(t *testing.T) {
	_, _, err := decodeKey([]byte("no-separator-here"))
	if err == nil {
		t.Fatal("expected error for key missing separator")
	}
}

func TestServerAndAppserviceDontCollide(t *testing.T) {
	// '+' is not a legal leading byte of a DNS hostname, so an appservice
	// id can never be mistaken for a server domain sharing the same name.
	serverKey, err := encodeKey(Server("bridge-1"), []byte("x"))
	if err != nil {
		t.Fatalf("encodeKey: %v", err)
	}
	appsvcKey, err := encodeKey(Appservice("bridge-1"), []byte("x"))
	if err != nil {
		t.Fatalf("encodeKey: %v", err)
	}
	if string(serverKey) == string(appsvcKey) {
		t.Fatal("server and appservice destinations with the same name must encode differently")
	}
}

func TestDestinationString(t *testing.T) {
	if got := Server("example.com").String(); got != "server:example.com" {
		t.Fatalf("String() = %q", got)
	}
	if got := Appservice("bridge").String(); got != "appservice:bridge" {
		t.Fatalf("String() = %q", got)
	}
}
