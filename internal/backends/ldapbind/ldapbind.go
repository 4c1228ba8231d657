// Package ldapbind implements spec.md §4.3's remote directory-bind
// PincodeBackend variant: GetUserHashcode always returns the
// backends.RemoteHashcode sentinel, and Bind performs an LDAPv3 simple
// bind against the directory to verify the pincode directly, translating
// a failed bind into the "LDAP bind failed" outcome spec.md §4.1 step 5
// describes.
//
// No LDAP client library exists anywhere in the retrieved corpus
// (verified by grep across every example repo's go.mod), so this is the
// one backend built directly against the wire protocol with stdlib
// net/crypto/tls/encoding/asn1 primitives rather than an ecosystem
// package.
package ldapbind

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/totpguard/totpguard/internal/backends"
)

// ErrBindFailed reports that the directory rejected the bind — either a
// wrong pincode or a directory-side problem distinct from a DNS/network
// failure.
var ErrBindFailed = errors.New("LDAP bind failed")

// Backend implements backends.PincodeBackend and backends.RemoteBinder.
type Backend struct {
	// URL is "ldap://host:port" or "ldaps://host:port".
	URL string
	// BindDNTemplate is a fmt.Sprintf pattern with one %s, the username,
	// e.g. "uid=%s,ou=people,dc=example,dc=com" (spec.md §4.3's
	// user_dn(username)).
	BindDNTemplate string
	// CACertPath, if set, is a PEM file used instead of the system trust
	// store to verify an ldaps:// server's certificate.
	CACertPath string
	// DialTimeout bounds connection setup; the only externally
	// configured timeout in the whole system (spec.md §5).
	DialTimeout time.Duration
}

// New constructs a Backend.
func New(ldapURL, bindDNTemplate, caCertPath string, dialTimeout time.Duration) *Backend {
	return &Backend{URL: ldapURL, BindDNTemplate: bindDNTemplate, CACertPath: caCertPath, DialTimeout: dialTimeout}
}

// GetUserHashcode implements backends.PincodeBackend: remote bind
// backends never hold a hash to compare against.
func (b *Backend) GetUserHashcode(ctx context.Context, username string) (string, error) {
	return backends.RemoteHashcode, nil
}

// Bind implements backends.RemoteBinder: performs an LDAPv3 simple bind
// as user_dn(username) with pincode as the password.
func (b *Backend) Bind(ctx context.Context, username string, pincode string) error {
	dn := fmt.Sprintf(b.BindDNTemplate, username)

	conn, err := b.dial(ctx)
	if err != nil {
		return fmt.Errorf("ldapbind: dialing %s: %w", b.URL, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if b.DialTimeout > 0 {
		conn.SetDeadline(time.Now().Add(b.DialTimeout))
	}

	req := encodeBindRequest(1, dn, pincode)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("ldapbind: writing bind request: %w", err)
	}

	resultCode, err := readBindResponse(conn)
	if err != nil {
		return fmt.Errorf("ldapbind: reading bind response: %w", err)
	}
	if resultCode != 0 {
		return ErrBindFailed
	}
	return nil
}

func (b *Backend) dial(ctx context.Context) (net.Conn, error) {
	u, err := url.Parse(b.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing LDAP URL: %w", err)
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		if u.Scheme == "ldaps" {
			host += ":636"
		} else {
			host += ":389"
		}
	}

	dialer := net.Dialer{Timeout: b.DialTimeout}

	if u.Scheme != "ldaps" {
		return dialer.DialContext(ctx, "tcp", host)
	}

	tlsConfig := &tls.Config{ServerName: strings.Split(host, ":")[0]}
	if b.CACertPath != "" {
		pem, err := os.ReadFile(b.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates parsed from CA cert file")
		}
		tlsConfig.RootCAs = pool
	}

	rawConn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(rawConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return tlsConn, nil
}

// --- minimal BER encoding for an LDAPv3 BindRequest/BindResponse ---
//
// LDAPMessage ::= SEQUENCE { messageID INTEGER, protocolOp CHOICE { ... } }
// BindRequest ::= [APPLICATION 0] SEQUENCE {
//     version INTEGER, name OCTET STRING, authentication [0] OCTET STRING (simple) }
// BindResponse ::= [APPLICATION 1] SEQUENCE { resultCode ENUMERATED, matchedDN OCTET STRING, diagnosticMessage OCTET STRING, ... }

const (
	tagInteger       = 0x02
	tagOctetString   = 0x04
	tagEnumerated    = 0x0A
	tagSequence      = 0x30
	tagBindRequest   = 0x60 // APPLICATION 0, constructed
	tagBindResponse  = 0x61 // APPLICATION 1, constructed
	tagSimpleAuth    = 0x80 // context-specific 0, primitive
	ldapVersion3     = 3
)

func berLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0xff)}, b...)
		n >>= 8
	}
	return append([]byte{byte(0x80 | len(b))}, b...)
}

func berTLV(tag byte, content []byte) []byte {
	out := append([]byte{tag}, berLength(len(content))...)
	return append(out, content...)
}

func berInteger(v int64) []byte {
	b := []byte{byte(v)}
	return berTLV(tagInteger, b)
}

func encodeBindRequest(messageID int, dn, password string) []byte {
	version := berInteger(ldapVersion3)
	name := berTLV(tagOctetString, []byte(dn))
	auth := berTLV(tagSimpleAuth, []byte(password))

	bindReq := berTLV(tagBindRequest, bytes.Join([][]byte{version, name, auth}, nil))
	msgID := berInteger(int64(messageID))

	return berTLV(tagSequence, bytes.Join([][]byte{msgID, bindReq}, nil))
}

type tlv struct {
	tag     byte
	content []byte
}

func readTLV(r *bytes.Reader) (tlv, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return tlv{}, err
	}
	lengthByte, err := r.ReadByte()
	if err != nil {
		return tlv{}, err
	}

	var length int
	if lengthByte&0x80 == 0 {
		length = int(lengthByte)
	} else {
		n := int(lengthByte & 0x7f)
		for i := 0; i < n; i++ {
			b, err := r.ReadByte()
			if err != nil {
				return tlv{}, err
			}
			length = length<<8 | int(b)
		}
	}

	content := make([]byte, length)
	if _, err := r.Read(content); err != nil {
		return tlv{}, err
	}
	return tlv{tag: tag, content: content}, nil
}

// readBindResponse parses an LDAPMessage wrapping a BindResponse and
// returns its resultCode.
func readBindResponse(conn net.Conn) (int, error) {
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, err
	}

	r := bytes.NewReader(buf[:n])
	msg, err := readTLV(r) // outer LDAPMessage SEQUENCE
	if err != nil {
		return 0, err
	}
	if msg.tag != tagSequence {
		return 0, fmt.Errorf("unexpected outer tag 0x%x", msg.tag)
	}

	inner := bytes.NewReader(msg.content)
	if _, err := readTLV(inner); err != nil { // messageID, skipped
		return 0, err
	}
	bindResp, err := readTLV(inner) // protocolOp
	if err != nil {
		return 0, err
	}
	if bindResp.tag != tagBindResponse {
		return 0, fmt.Errorf("unexpected protocolOp tag 0x%x", bindResp.tag)
	}

	fields := bytes.NewReader(bindResp.content)
	resultCode, err := readTLV(fields)
	if err != nil {
		return 0, err
	}
	if resultCode.tag != tagEnumerated || len(resultCode.content) == 0 {
		return 0, errors.New("malformed resultCode")
	}
	return int(resultCode.content[0]), nil
}
