package crypto

import (
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

// Supported algorithm sets. Header values on inbound tokens are only ever
// compared against these and against the configured choice; an attacker
// cannot steer algorithm selection through token headers.
var (
	supportedSigAlgs = map[string]jose.SignatureAlgorithm{
		"RS256": jose.RS256,
		"RS384": jose.RS384,
		"RS512": jose.RS512,
		"PS256": jose.PS256,
	}
	supportedKeyAlgs = map[string]jose.KeyAlgorithm{
		"A128KW":       jose.A128KW,
		"A192KW":       jose.A192KW,
		"A256KW":       jose.A256KW,
		"RSA-OAEP":     jose.RSA_OAEP,
		"RSA-OAEP-256": jose.RSA_OAEP_256,
	}
	supportedEncs = map[string]jose.ContentEncryption{
		"A128GCM": jose.A128GCM,
		"A192GCM": jose.A192GCM,
		"A256GCM": jose.A256GCM,
	}
)

// Envelope provides the stateless signing/encryption primitives used on the
// BIDV wire: detached JWS over outbound payloads, JWE for payload
// confidentiality, and fail-closed verification/decryption of responses.
type Envelope struct {
	keys   *KeyStore
	sigAlg jose.SignatureAlgorithm
	keyAlg jose.KeyAlgorithm
	enc    jose.ContentEncryption
}

// NewEnvelope validates the configured algorithms against the supported sets
// and binds them to the loaded key material.
func NewEnvelope(keys *KeyStore, jwsAlg, jweAlg, jweEnc string) (*Envelope, error) {
	sig, ok := supportedSigAlgs[jwsAlg]
	if !ok {
		return nil, &Error{Op: "envelope.config", Err: fmt.Errorf("unsupported JWS algorithm %q", jwsAlg)}
	}
	key, ok := supportedKeyAlgs[jweAlg]
	if !ok {
		return nil, &Error{Op: "envelope.config", Err: fmt.Errorf("unsupported JWE algorithm %q", jweAlg)}
	}
	enc, ok := supportedEncs[jweEnc]
	if !ok {
		return nil, &Error{Op: "envelope.config", Err: fmt.Errorf("unsupported JWE encryption %q", jweEnc)}
	}

	if isSymmetric(key) && keys.SymmetricKey() == nil {
		return nil, &Error{Op: "envelope.config", Err: fmt.Errorf("%s requires a symmetric key", jweAlg)}
	}
	if !isSymmetric(key) && keys.PartnerKey() == nil {
		return nil, &Error{Op: "envelope.config", Err: fmt.Errorf("%s requires the partner public key", jweAlg)}
	}

	return &Envelope{keys: keys, sigAlg: sig, keyAlg: key, enc: enc}, nil
}

// SignDetached produces a detached compact JWS over payload, as carried in
// the X-JWS-Signature header.
func (e *Envelope) SignDetached(payload []byte) (string, error) {
	obj, err := e.sign(payload)
	if err != nil {
		return "", err
	}
	out, err := obj.DetachedCompactSerialize()
	if err != nil {
		return "", &Error{Op: "envelope.sign", Err: err}
	}
	return out, nil
}

// Sign produces an embedded compact JWS over payload.
func (e *Envelope) Sign(payload []byte) (string, error) {
	obj, err := e.sign(payload)
	if err != nil {
		return "", err
	}
	out, err := obj.CompactSerialize()
	if err != nil {
		return "", &Error{Op: "envelope.sign", Err: err}
	}
	return out, nil
}

func (e *Envelope) sign(payload []byte) (*jose.JSONWebSignature, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: e.sigAlg, Key: e.keys.PrivateKey()}, nil)
	if err != nil {
		return nil, &Error{Op: "envelope.sign", Err: err}
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return nil, &Error{Op: "envelope.sign", Err: err}
	}
	return obj, nil
}

// VerifyDetached checks a detached compact JWS against payload using the
// partner's public key.
func (e *Envelope) VerifyDetached(signature string, payload []byte) error {
	if e.keys.PartnerKey() == nil {
		return &Error{Op: "envelope.verify", Err: fmt.Errorf("partner public key not configured")}
	}
	obj, err := jose.ParseDetached(signature, payload, []jose.SignatureAlgorithm{e.sigAlg})
	if err != nil {
		return &Error{Op: "envelope.verify", Err: err}
	}
	if _, err := obj.Verify(e.keys.PartnerKey()); err != nil {
		return &Error{Op: "envelope.verify", Err: err}
	}
	return nil
}

// Encrypt wraps payload in a JWE using the configured key-management and
// content-encryption algorithms. The JSON serialization is returned, which
// is what the partner expects on the wire.
func (e *Envelope) Encrypt(payload []byte) (string, error) {
	encrypter, err := jose.NewEncrypter(e.enc, jose.Recipient{Algorithm: e.keyAlg, Key: e.encryptKey()}, nil)
	if err != nil {
		return "", &Error{Op: "envelope.encrypt", Err: err}
	}
	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", &Error{Op: "envelope.encrypt", Err: err}
	}
	return obj.FullSerialize(), nil
}

// Decrypt unwraps a JWE token (compact or JSON serialization). Algorithm
// headers are constrained to the configured choice; anything else fails.
func (e *Envelope) Decrypt(token string) ([]byte, error) {
	obj, err := jose.ParseEncrypted(token,
		[]jose.KeyAlgorithm{e.keyAlg},
		[]jose.ContentEncryption{e.enc})
	if err != nil {
		return nil, &Error{Op: "envelope.decrypt", Err: err}
	}
	plain, err := obj.Decrypt(e.decryptKey())
	if err != nil {
		return nil, &Error{Op: "envelope.decrypt", Err: err}
	}
	return plain, nil
}

// VerifyAndDecrypt processes an inbound token: JWE decryption first when the
// token is encrypted, then JWS verification when the result is a nested
// compact JWS. Any failure at either stage discards the payload entirely.
func (e *Envelope) VerifyAndDecrypt(token string) ([]byte, error) {
	payload := []byte(strings.TrimSpace(token))

	if isJWE(string(payload)) {
		plain, err := e.Decrypt(string(payload))
		if err != nil {
			return nil, err
		}
		payload = plain
	}

	if isCompactJWS(string(payload)) {
		if e.keys.PartnerKey() == nil {
			return nil, &Error{Op: "envelope.verify", Err: fmt.Errorf("nested JWS present but partner public key not configured")}
		}
		obj, err := jose.ParseSigned(string(payload), []jose.SignatureAlgorithm{e.sigAlg})
		if err != nil {
			return nil, &Error{Op: "envelope.verify", Err: err}
		}
		inner, err := obj.Verify(e.keys.PartnerKey())
		if err != nil {
			return nil, &Error{Op: "envelope.verify", Err: err}
		}
		payload = inner
	}

	return payload, nil
}

// VerifyAndDecryptEncrypted is VerifyAndDecrypt for channels where the
// inbound token must arrive as a JWE. A plaintext body is rejected instead
// of passed through, closing the downgrade path.
func (e *Envelope) VerifyAndDecryptEncrypted(token string) ([]byte, error) {
	if !isJWE(strings.TrimSpace(token)) {
		return nil, &Error{Op: "envelope.decrypt", Err: fmt.Errorf("expected encrypted payload, got plaintext")}
	}
	return e.VerifyAndDecrypt(token)
}

func (e *Envelope) encryptKey() any {
	if isSymmetric(e.keyAlg) {
		return e.keys.SymmetricKey()
	}
	return e.keys.PartnerKey()
}

func (e *Envelope) decryptKey() any {
	if isSymmetric(e.keyAlg) {
		return e.keys.SymmetricKey()
	}
	return e.keys.PrivateKey()
}

func isSymmetric(alg jose.KeyAlgorithm) bool {
	switch alg {
	case jose.A128KW, jose.A192KW, jose.A256KW:
		return true
	}
	return false
}

// isJWE reports whether token looks like a JWE: five compact segments, or the
// JSON serialization (which always carries a "ciphertext" member).
func isJWE(token string) bool {
	if strings.HasPrefix(token, "{") {
		return strings.Contains(token, `"ciphertext"`)
	}
	return strings.Count(token, ".") == 4
}

// isCompactJWS reports whether payload looks like an embedded compact JWS.
func isCompactJWS(payload string) bool {
	return !strings.HasPrefix(payload, "{") && strings.Count(payload, ".") == 2
}
