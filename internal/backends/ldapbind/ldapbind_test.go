package ldapbind

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func encodeBindResponse(messageID, resultCode int) []byte {
	code := berTLV(tagEnumerated, []byte{byte(resultCode)})
	matchedDN := berTLV(tagOctetString, nil)
	diagnostic := berTLV(tagOctetString, nil)
	bindResp := berTLV(tagBindResponse, bytes.Join([][]byte{code, matchedDN, diagnostic}, nil))
	msgID := berInteger(int64(messageID))
	return berTLV(tagSequence, bytes.Join([][]byte{msgID, bindResp}, nil))
}

func serveOneBindResponse(t *testing.T, resultCode int) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done = make(chan struct{})

	go func() {
		defer close(done)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write(encodeBindResponse(1, resultCode))
	}()

	return ln.Addr().String(), done
}

func TestBindSucceedsOnResultCodeZero(t *testing.T) {
	addr, done := serveOneBindResponse(t, 0)

	b := New("ldap://"+addr, "uid=%s,dc=example,dc=com", "", 2*time.Second)
	err := b.Bind(context.Background(), "valid", "wakkawakka")
	<-done
	if err != nil {
		t.Fatalf("expected successful bind, got %v", err)
	}
}

func TestBindFailsOnNonZeroResultCode(t *testing.T) {
	addr, done := serveOneBindResponse(t, 49) // invalidCredentials

	b := New("ldap://"+addr, "uid=%s,dc=example,dc=com", "", 2*time.Second)
	err := b.Bind(context.Background(), "valid", "wrong-pincode")
	<-done
	if err != ErrBindFailed {
		t.Fatalf("expected ErrBindFailed, got %v", err)
	}
}

func TestGetUserHashcodeReturnsRemoteSentinel(t *testing.T) {
	b := New("ldap://example.com", "uid=%s,dc=example,dc=com", "", time.Second)
	hash, err := b.GetUserHashcode(context.Background(), "valid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash != "remote" {
		t.Fatalf("expected sentinel %q, got %q", "remote", hash)
	}
}

func TestEncodeBindRequestRoundTripsThroughReadTLV(t *testing.T) {
	req := encodeBindRequest(7, "uid=valid,dc=example,dc=com", "wakkawakka")
	r := bytes.NewReader(req)

	outer, err := readTLV(r)
	if err != nil {
		t.Fatalf("readTLV: %v", err)
	}
	if outer.tag != tagSequence {
		t.Fatalf("expected outer SEQUENCE tag, got 0x%x", outer.tag)
	}

	inner := bytes.NewReader(outer.content)
	msgID, err := readTLV(inner)
	if err != nil {
		t.Fatalf("readTLV messageID: %v", err)
	}
	if msgID.tag != tagInteger || msgID.content[0] != 7 {
		t.Fatalf("unexpected messageID TLV: %+v", msgID)
	}

	bindReq, err := readTLV(inner)
	if err != nil {
		t.Fatalf("readTLV bindRequest: %v", err)
	}
	if bindReq.tag != tagBindRequest {
		t.Fatalf("expected bindRequest tag, got 0x%x", bindReq.tag)
	}
}
