package crypto

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// KeyStore holds the monitor's key material: the signing/decryption private
// key, the mutual-TLS client certificate, the shared symmetric JWE key, and
// the partner's public key. All material is loaded once at startup and is
// read-only afterwards.
type KeyStore struct {
	privateKey *rsa.PrivateKey
	clientCert *tls.Certificate
	certPEM    []byte
	symmetric  []byte
	partnerKey *rsa.PublicKey
}

// KeyPaths names the files a KeyStore is loaded from. ClientCertPath,
// SymmetricKeyPath and PartnerKeyPath are optional; the corresponding
// accessors return zero values when absent.
type KeyPaths struct {
	PrivateKeyPath   string
	ClientCertPath   string
	SymmetricKeyPath string
	PartnerKeyPath   string
}

// NewKeyStore builds a KeyStore from in-memory material (used by tests and
// by callers that source keys from a secrets backend rather than disk).
func NewKeyStore(priv *rsa.PrivateKey, clientCert *tls.Certificate, symmetric []byte, partner *rsa.PublicKey) (*KeyStore, error) {
	if priv == nil {
		return nil, &Error{Op: "keystore", Err: fmt.Errorf("private key is required")}
	}
	if symmetric != nil {
		if err := checkSymmetricLength(symmetric); err != nil {
			return nil, err
		}
	}
	return &KeyStore{
		privateKey: priv,
		clientCert: clientCert,
		symmetric:  symmetric,
		partnerKey: partner,
	}, nil
}

// LoadKeyStore reads and parses key material from the configured paths.
func LoadKeyStore(paths KeyPaths) (*KeyStore, error) {
	priv, err := loadRSAPrivateKey(paths.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	ks := &KeyStore{privateKey: priv}

	if paths.ClientCertPath != "" {
		certPEM, err := os.ReadFile(paths.ClientCertPath)
		if err != nil {
			return nil, &Error{Op: "keystore.load_cert", Err: err}
		}
		ks.certPEM = certPEM
		cert, err := tls.LoadX509KeyPair(paths.ClientCertPath, paths.PrivateKeyPath)
		if err != nil {
			return nil, &Error{Op: "keystore.load_cert", Err: err}
		}
		ks.clientCert = &cert
	}

	if paths.SymmetricKeyPath != "" {
		sym, err := loadSymmetricKey(paths.SymmetricKeyPath)
		if err != nil {
			return nil, err
		}
		ks.symmetric = sym
	}

	if paths.PartnerKeyPath != "" {
		pub, err := loadRSAPublicKey(paths.PartnerKeyPath)
		if err != nil {
			return nil, err
		}
		ks.partnerKey = pub
	}

	return ks, nil
}

// PrivateKey returns the monitor's RSA private key.
func (ks *KeyStore) PrivateKey() *rsa.PrivateKey { return ks.privateKey }

// SymmetricKey returns the shared JWE key, or nil when not configured.
func (ks *KeyStore) SymmetricKey() []byte { return ks.symmetric }

// PartnerKey returns the partner's public key, or nil when not configured.
func (ks *KeyStore) PartnerKey() *rsa.PublicKey { return ks.partnerKey }

// ClientCertificate returns the mutual-TLS client certificate, or nil.
func (ks *KeyStore) ClientCertificate() *tls.Certificate { return ks.clientCert }

// ClientCertificateB64 returns the client certificate as a single-line base64
// string suitable for the X-Client-Certificate header.
func (ks *KeyStore) ClientCertificateB64() (string, error) {
	if len(ks.certPEM) == 0 {
		return "", &Error{Op: "keystore.cert_header", Err: fmt.Errorf("client certificate not loaded")}
	}
	block, _ := pem.Decode(ks.certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		// DER or unknown format: base64 the raw bytes
		return base64.StdEncoding.EncodeToString(ks.certPEM), nil
	}
	return base64.StdEncoding.EncodeToString(block.Bytes), nil
}

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: "keystore.load_key", Err: err}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &Error{Op: "keystore.load_key", Err: fmt.Errorf("no PEM block in %s", path)}
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, &Error{Op: "keystore.load_key", Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, &Error{Op: "keystore.load_key", Err: fmt.Errorf("%s is not an RSA key", path)}
	}
	return key, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: "keystore.load_partner_key", Err: err}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &Error{Op: "keystore.load_partner_key", Err: fmt.Errorf("no PEM block in %s", path)}
	}

	// Either a bare public key or a certificate.
	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &Error{Op: "keystore.load_partner_key", Err: err}
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, &Error{Op: "keystore.load_partner_key", Err: fmt.Errorf("%s certificate is not RSA", path)}
		}
		return pub, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, &Error{Op: "keystore.load_partner_key", Err: err}
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, &Error{Op: "keystore.load_partner_key", Err: fmt.Errorf("%s is not an RSA public key", path)}
	}
	return pub, nil
}

// loadSymmetricKey reads a base64-encoded AES key (16/24/32 bytes raw).
func loadSymmetricKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: "keystore.load_symmetric", Err: err}
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, &Error{Op: "keystore.load_symmetric", Err: fmt.Errorf("decode %s: %w", path, err)}
	}
	if err := checkSymmetricLength(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func checkSymmetricLength(raw []byte) error {
	switch len(raw) {
	case 16, 24, 32:
		return nil
	default:
		return &Error{Op: "keystore.load_symmetric", Err: fmt.Errorf("invalid key length: expected 16/24/32 bytes, got %d", len(raw))}
	}
}
