// Package keys handles account and certificate key material: RSA key
// generation, PKCS#8 PEM encoding, JWK publication, RFC 7638 thumbprints
// and PKCS#10 CSR generation.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/blockadesystems/certflow/internal/fault"
)

// DefaultKeySize is the RSA modulus size used when the caller does not
// specify one.
const DefaultKeySize = 2048

const (
	pemTypePKCS8       = "PRIVATE KEY"
	pemTypePKCS1       = "RSA PRIVATE KEY"
	pemTypeCertificate = "CERTIFICATE"
)

// GenerateRSAKeyPEM generates a fresh RSA key pair and returns the private
// key as PKCS#8 PEM. A bits value of 0 selects DefaultKeySize.
func GenerateRSAKeyPEM(bits int) (string, error) {
	if bits == 0 {
		bits = DefaultKeySize
	}
	if bits < 2048 {
		return "", fault.Validationf("key size %d is below the 2048 bit minimum", bits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", fmt.Errorf("keys: failed to generate RSA key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("keys: failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePKCS8, Bytes: der})), nil
}

// ParseRSAPrivateKey parses a PEM private key, accepting PKCS#8 and the
// legacy PKCS#1 encoding. Malformed material yields a validation fault.
func ParseRSAPrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	if pemStr == "" {
		return nil, fault.Validationf("private key PEM is empty")
	}
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fault.Validationf("private key is not valid PEM")
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fault.Validationf("private key is not an RSA key")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fault.Validationf("failed to parse private key: %v", err)
	}
	return key, nil
}

// PublicKeyJWK returns the public half of key as a JWK JSON string
// ({kty, n, e} for RSA).
func PublicKeyJWK(key *rsa.PrivateKey) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	raw, err := jwk.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("keys: failed to marshal public JWK: %w", err)
	}
	return string(raw), nil
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of the key's public
// half, base64url encoded without padding.
func Thumbprint(key *rsa.PrivateKey) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("keys: failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// KeyAuthorization builds the challenge key authorization string
// token + "." + thumbprint(accountKey).
func KeyAuthorization(token, privateKeyPEM string) (string, error) {
	key, err := ParseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}
	tp, err := Thumbprint(key)
	if err != nil {
		return "", err
	}
	return token + "." + tp, nil
}

// GenerateCSR builds a PKCS#10 certificate request in DER form. The subject
// CN is the first domain and the SAN list carries the full domain set.
func GenerateCSR(domains []string, privateKeyPEM string) ([]byte, error) {
	if len(domains) == 0 {
		return nil, fault.Validationf("no domains supplied for CSR generation")
	}
	key, err := ParseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fault.Validationf("Invalid private key for CSR generation")
	}
	template := &x509.CertificateRequest{
		SignatureAlgorithm: x509.SHA256WithRSA,
		Subject:            pkix.Name{CommonName: domains[0]},
		DNSNames:           domains,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fault.Validationf("Invalid private key for CSR generation")
	}
	return der, nil
}

// ParseCertificatePEM parses the first certificate block in pemStr.
func ParseCertificatePEM(pemStr string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil || block.Type != pemTypeCertificate {
		return nil, fault.Validationf("certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fault.Validationf("failed to parse certificate: %v", err)
	}
	return cert, nil
}

// CertificateDER returns the DER bytes of the first certificate block.
func CertificateDER(pemStr string) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil || block.Type != pemTypeCertificate {
		return nil, fault.Validationf("certificate is not valid PEM")
	}
	return block.Bytes, nil
}

// FingerprintSHA256 returns the hex SHA-256 fingerprint of the certificate's
// DER encoding.
func FingerprintSHA256(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
