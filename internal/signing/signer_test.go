package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCert(t *testing.T, notBefore, notAfter time.Time) (certPEM, keyPEM []byte, key *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ERI Test DSC"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, key
}

func TestSignProducesVerifiableEnvelope(t *testing.T) {
	certPEM, keyPEM, key := testCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	signer, err := NewSigner(certPEM, keyPEM)
	require.NoError(t, err)

	payload := []byte(`{"pan":"ABCDE1234F"}`)
	env, err := signer.Sign(payload)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(env.Data)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	// The signature covers the encoded bytes, not the raw payload.
	digest := sha256.Sum256([]byte(env.Data))
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestSignConcurrent(t *testing.T) {
	certPEM, keyPEM, _ := testCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	signer, err := NewSigner(certPEM, keyPEM)
	require.NoError(t, err)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := signer.Sign([]byte(`{"k":"v"}`))
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}
}

func TestExpiredCertificateRejected(t *testing.T) {
	certPEM, keyPEM, _ := testCert(t, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	_, err := NewSigner(certPEM, keyPEM)

	var certErr *CertificateError
	require.ErrorAs(t, err, &certErr)
	assert.Contains(t, certErr.Reason, "expired")
}

func TestCertificateExpiresWhileRunning(t *testing.T) {
	certPEM, keyPEM, _ := testCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	clock := time.Now()
	signer, err := NewSigner(certPEM, keyPEM, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	_, err = signer.Sign([]byte("{}"))
	require.NoError(t, err)

	// Advance past NotAfter: the next Sign must fail.
	clock = clock.Add(48 * time.Hour)
	_, err = signer.Sign([]byte("{}"))
	var certErr *CertificateError
	assert.ErrorAs(t, err, &certErr)
}

func TestMalformedMaterialRejected(t *testing.T) {
	certPEM, keyPEM, _ := testCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	var certErr *CertificateError
	_, err := NewSigner([]byte("garbage"), keyPEM)
	assert.ErrorAs(t, err, &certErr)

	_, err = NewSigner(certPEM, []byte("garbage"))
	assert.ErrorAs(t, err, &certErr)
}

func TestMismatchedKeyRejected(t *testing.T) {
	certPEM, _, _ := testCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	_, otherKeyPEM, _ := testCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	var certErr *CertificateError
	_, err := NewSigner(certPEM, otherKeyPEM)
	require.ErrorAs(t, err, &certErr)
	assert.Contains(t, certErr.Reason, "does not match")
}
