package radius

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"errors"

	"layeh.com/radius"
	"layeh.com/radius/rfc2869"
)

const (
	headerLen            = 20
	attrMessageAuth      = 80
	messageAuthLen       = 16
	messageAuthAttrTotal = 2 + messageAuthLen
)

var errNoMessageAuthenticator = errors.New("no Message-Authenticator")

// messageAuthOffset returns the offset of the Message-Authenticator value in
// raw, walking the attribute list.
func messageAuthOffset(raw []byte) (int, error) {
	for i := headerLen; i+2 <= len(raw); {
		typ, l := raw[i], int(raw[i+1])
		if l < 2 || i+l > len(raw) {
			return 0, errors.New("truncated attribute")
		}
		if typ == attrMessageAuth {
			if l != messageAuthAttrTotal {
				return 0, errors.New("bad Message-Authenticator length")
			}
			return i + 2, nil
		}
		i += l
	}
	return 0, errNoMessageAuthenticator
}

// messageAuthenticator computes HMAC-MD5 over raw with the
// Message-Authenticator value zeroed. auth, when non-nil, replaces the
// authenticator field, as RFC 3579 requires for responses.
func messageAuthenticator(raw []byte, off int, auth []byte, secret []byte) []byte {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	if auth != nil {
		copy(buf[4:headerLen], auth)
	}
	clear(buf[off : off+messageAuthLen])

	mac := hmac.New(md5.New, secret)
	mac.Write(buf)
	return mac.Sum(nil)
}

// verifyMessageAuthenticator checks the RFC 2869 Message-Authenticator of a
// request. auth, when non-nil, replaces the authenticator field first.
// Accounting-Request is signed with a zeroed authenticator because the
// Request Authenticator is computed afterwards.
func verifyMessageAuthenticator(raw, secret, auth []byte) (bool, error) {
	off, err := messageAuthOffset(raw)
	if err != nil {
		return false, err
	}
	expected := messageAuthenticator(raw, off, auth, secret)
	return hmac.Equal(expected, raw[off:off+messageAuthLen]), nil
}

// SignMessageAuthenticator fills the Message-Authenticator of an encoded
// packet in place. The packet must already carry a Message-Authenticator
// attribute. For an Accounting-Request the Request Authenticator is
// recomputed afterwards.
func SignMessageAuthenticator(raw, secret []byte) error {
	off, err := messageAuthOffset(raw)
	if err != nil {
		return err
	}
	if radius.Code(raw[0]) != radius.CodeAccountingRequest {
		copy(raw[off:], messageAuthenticator(raw, off, nil, secret))
		return nil
	}

	var zero [16]byte
	copy(raw[off:], messageAuthenticator(raw, off, zero[:], secret))

	packet, err := radius.Parse(raw, secret)
	if err != nil {
		return err
	}
	encoded, err := packet.Encode()
	if err != nil {
		return err
	}
	copy(raw[4:headerLen], encoded[4:headerLen])
	return nil
}

// addMessageAuthenticator sets the Message-Authenticator of an outgoing
// request packet.
func addMessageAuthenticator(packet *radius.Packet) error {
	rfc2869.MessageAuthenticator_Del(packet)
	if err := rfc2869.MessageAuthenticator_Set(packet, make([]byte, messageAuthLen)); err != nil {
		return err
	}

	encoded, err := packet.MarshalBinary()
	if err != nil {
		return err
	}

	mac := hmac.New(md5.New, packet.Secret)
	mac.Write(encoded)
	return rfc2869.MessageAuthenticator_Set(packet, mac.Sum(nil))
}

// addResponseMessageAuthenticator sets the Message-Authenticator of a
// response, computed with the request authenticator in the header.
func addResponseMessageAuthenticator(response *radius.Packet, requestAuth [16]byte) error {
	rfc2869.MessageAuthenticator_Del(response)
	if err := rfc2869.MessageAuthenticator_Set(response, make([]byte, messageAuthLen)); err != nil {
		return err
	}

	saved := response.Authenticator
	response.Authenticator = requestAuth
	encoded, err := response.MarshalBinary()
	response.Authenticator = saved
	if err != nil {
		return err
	}

	mac := hmac.New(md5.New, response.Secret)
	mac.Write(encoded)
	return rfc2869.MessageAuthenticator_Set(response, mac.Sum(nil))
}

// declaredLength returns the Length field of a RADIUS header.
func declaredLength(raw []byte) int {
	return int(binary.BigEndian.Uint16(raw[2:4]))
}
