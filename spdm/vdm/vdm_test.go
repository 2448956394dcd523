package vdm

import "testing"

func TestDispatchRoutesByVendorID(t *testing.T) {
	table := NewTable()
	var got []byte
	table.Register(0x1414, func(req []byte) ([]byte, error) {
		got = req
		return []byte("ack"), nil
	})

	msg := append([]byte{0x14, 0x14}, []byte("payload")...)
	resp, err := table.Dispatch(msg)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "ack" {
		t.Fatalf("resp = %q, want ack", resp)
	}
	if string(got) != "payload" {
		t.Fatalf("handler saw %q, want payload", got)
	}
}

func TestDispatchUnknownVendor(t *testing.T) {
	table := NewTable()
	if _, err := table.Dispatch([]byte{0xFF, 0xFF}); err != ErrUnknownVendor {
		t.Fatalf("Dispatch() = %v, want ErrUnknownVendor", err)
	}
}
