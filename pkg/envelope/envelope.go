// Package envelope converts verification messages to and from the layered
// transport string submitted in the Flag field:
//
//	base64( hex(MAC) + "|" + base64( xor(json(Message)) ) )
//
// The XOR layer is a reversible encoding, not encryption. Only the MAC
// authenticates the message.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/SergiuNegara/lmml/pkg/auth"
	"github.com/SergiuNegara/lmml/pkg/models"
)

const delimiter = '|'

// strict rejects non-zero trailing bits so every envelope has exactly one
// accepted encoding.
var strict = base64.StdEncoding.Strict()

// Codec seals and opens envelopes with a fixed transform key and signer.
type Codec struct {
	key    []byte
	signer auth.Signer
}

func New(xorKey []byte, signer auth.Signer) (*Codec, error) {
	if len(xorKey) == 0 {
		return nil, errors.New("envelope: xor key is required")
	}
	if signer == nil {
		return nil, errors.New("envelope: signer is required")
	}
	return &Codec{key: append([]byte(nil), xorKey...), signer: signer}, nil
}

// Transform applies the repeating-key XOR. It is its own inverse.
func (c *Codec) Transform(data []byte) []byte {
	return xorBytes(data, c.key)
}

func xorBytes(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// Encode seals m. It does not validate m, so callers can build envelopes
// that the gateway will reject.
func (c *Codec) Encode(m models.Message) (string, error) {
	plain, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal message: %w", err)
	}
	inner := base64.StdEncoding.EncodeToString(c.Transform(plain))
	mac := c.signer.Compute(m.Nonce, m.Thought)
	combined := make([]byte, 0, len(mac)+1+len(inner))
	combined = append(combined, mac...)
	combined = append(combined, delimiter)
	combined = append(combined, inner...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// Opened is a decoded envelope: the message and the MAC it claims.
type Opened struct {
	Message models.Message
	MAC     string
}

// Decode opens flag layer by layer. Every failure is a *models.VerificationError
// of KindFormat naming the layer that broke.
func (c *Codec) Decode(flag string) (Opened, error) {
	combined, err := strict.DecodeString(flag)
	if err != nil {
		return Opened{}, models.Wrap(models.KindFormat, models.CodeBadBase64, err)
	}
	idx := bytes.IndexByte(combined, delimiter)
	if idx < 0 {
		return Opened{}, models.Reject(models.KindFormat, models.CodeBadFormatCombined)
	}
	macPart, innerPart := combined[:idx], combined[idx+1:]
	if !isASCII(macPart) {
		return Opened{}, models.Reject(models.KindFormat, models.CodeBadHMACEncoding)
	}
	cipher, err := strict.DecodeString(string(innerPart))
	if err != nil {
		return Opened{}, models.Wrap(models.KindFormat, models.CodeBadEncBase64, err)
	}
	msg, err := parsePayload(c.Transform(cipher))
	if err != nil {
		return Opened{}, models.Wrap(models.KindFormat, models.CodeBadDecryption, err)
	}
	return Opened{Message: msg, MAC: string(macPart)}, nil
}

// parsePayload accepts a UTF-8 JSON object whose nonce and thought members are
// strings when present. Absent or null members are left empty.
func parsePayload(plain []byte) (models.Message, error) {
	if !utf8.Valid(plain) {
		return models.Message{}, errors.New("payload is not valid utf-8")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(plain, &fields); err != nil {
		return models.Message{}, err
	}
	if fields == nil {
		return models.Message{}, errors.New("payload must be a json object")
	}
	var msg models.Message
	if err := stringMember(fields, "nonce", &msg.Nonce); err != nil {
		return models.Message{}, err
	}
	if err := stringMember(fields, "thought", &msg.Thought); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func stringMember(fields map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s must be a string", name)
	}
	return nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
