// Package signing wraps outbound payloads in the envelope the government
// gateway expects: the JSON body Base64-encoded, plus an RSA-SHA256 signature
// over the encoded bytes computed with the DSC-bound private key.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// CertificateError is a configuration-level failure: the DSC is expired,
// malformed, or its private key is unusable. It halts all outbound calls
// until the certificate material is fixed.
type CertificateError struct {
	Reason string
	Err    error
}

func (e *CertificateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("certificate error: %s: %v", e.Reason, e.Err)
	}
	return "certificate error: " + e.Reason
}

func (e *CertificateError) Unwrap() error { return e.Err }

// Envelope is the wire form of a signed request body.
type Envelope struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

// Signer holds the parsed DSC. It is immutable after construction and safe
// for concurrent use by every in-flight filing.
type Signer struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	now  func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock sets the clock used for certificate validity checks.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// LoadSigner reads PEM-encoded certificate and private key files.
func LoadSigner(certFile, keyFile string, opts ...Option) (*Signer, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, &CertificateError{Reason: "read certificate file", Err: err}
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, &CertificateError{Reason: "read private key file", Err: err}
	}
	return NewSigner(certPEM, keyPEM, opts...)
}

// NewSigner parses PEM-encoded certificate and private key material.
func NewSigner(certPEM, keyPEM []byte, opts ...Option) (*Signer, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, &CertificateError{Reason: "no CERTIFICATE block in PEM data"}
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, &CertificateError{Reason: "parse certificate", Err: err}
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, &CertificateError{Reason: "no key block in PEM data"}
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, &CertificateError{Reason: "parse private key", Err: err}
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, &CertificateError{Reason: "certificate does not carry an RSA public key"}
	}
	if pub.N.Cmp(key.N) != 0 {
		return nil, &CertificateError{Reason: "private key does not match certificate"}
	}

	s := &Signer{cert: cert, key: key, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.checkValidity(); err != nil {
		return nil, err
	}
	return s, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", parsed)
	}
	return key, nil
}

func (s *Signer) checkValidity() error {
	now := s.now()
	if now.Before(s.cert.NotBefore) {
		return &CertificateError{Reason: "certificate not yet valid"}
	}
	if now.After(s.cert.NotAfter) {
		return &CertificateError{Reason: "certificate expired"}
	}
	return nil
}

// Sign encodes the payload and signs the encoded bytes. Validity is checked
// on every call because a long-running process can outlive its certificate.
// The raw signature bytes are never logged by this package or its callers.
func (s *Signer) Sign(payload []byte) (Envelope, error) {
	if err := s.checkValidity(); err != nil {
		return Envelope{}, err
	}

	encoded := base64.StdEncoding.EncodeToString(payload)
	digest := sha256.Sum256([]byte(encoded))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return Envelope{}, &CertificateError{Reason: "sign payload", Err: err}
	}

	return Envelope{
		Data:      encoded,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// CertificateSubject reports the subject of the loaded DSC for diagnostics.
// It deliberately exposes no key material.
func (s *Signer) CertificateSubject() string {
	return s.cert.Subject.String()
}
