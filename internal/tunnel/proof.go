package tunnel

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

const (
	protocolVersion = 1
	alpn            = "tunnelboard/1"
	exporterLabel   = "EXPORTER-tunnelboard-proof"
	maxFrame        = 4096
)

// hello opens every stream from client to server.
type hello struct {
	Version  uint8  `cbor:"1,keyasint"`
	Endpoint []byte `cbor:"2,keyasint"`
	Proof    []byte `cbor:"3,keyasint,omitempty"`
}

// helloAck answers a hello; on OK the stream carries raw bytes afterwards.
type helloAck struct {
	OK     bool   `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint,omitempty"`
}

// endpointID is the public fingerprint of a secret key.
func endpointID(secret string) []byte {
	sum := blake2b.Sum256([]byte("tunnelboard-endpoint:" + secret))
	return sum[:]
}

// proofFor binds knowledge of secret to one TLS session via its exported
// keying material, so a proof cannot be replayed on another connection.
func proofFor(secret string, ekm []byte) []byte {
	k := blake2b.Sum256([]byte(secret))
	mac, err := blake2b.New256(k[:])
	if err != nil {
		panic("blake2b.New256: " + err.Error())
	}
	mac.Write(ekm)
	return mac.Sum(nil)
}

func equal(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// Frames are a 2-byte big-endian length followed by a CBOR body. The prefix
// keeps the decoder from reading past the frame into piped bytes.
func writeFrame(w io.Writer, v any) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxFrame {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	buf := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(buf, uint16(len(body)))
	_, err = w.Write(append(buf, body...))
	return err
}

func readFrame(r io.Reader, v any) error {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > maxFrame {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return cbor.Unmarshal(body, v)
}
