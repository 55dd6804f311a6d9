package rkstate

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// Signer is the certificate that signed a group of receipts in an export,
// together with its certification chain.
type Signer struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// KeyStore resolves a receipt's certificate serial or key ID to a public key.
// It is consulted for receipts without a group certificate.
type KeyStore interface {
	PublicKey(keyID string) (crypto.PublicKey, bool)
}

// MapKeyStore is a KeyStore backed by a map.
type MapKeyStore map[string]crypto.PublicKey

func (m MapKeyStore) PublicKey(keyID string) (crypto.PublicKey, bool) {
	k, ok := m[keyID]
	return k, ok
}

// Signature device types of key store entries.
const (
	DeviceCertificate = "CERTIFICATE"
	DevicePublicKey   = "PUBLIC_KEY"
)

type keyStoreFile struct {
	AESKey string                   `json:"base64AESKey"`
	Keys   map[string]keyStoreEntry `json:"certificateOrPublicKeyMap"`
}

type keyStoreEntry struct {
	ID   string `json:"id"`
	Type string `json:"signatureDeviceType"`
	Key  string `json:"signatureCertificateOrPublicKey"`
}

// ReadKeyStore decodes a key store in the crypto material container layout:
//
//	{"base64AESKey": "<base64>",
//	 "certificateOrPublicKeyMap": {
//	   "<key id>": {"id": "<key id>",
//	                "signatureDeviceType": "CERTIFICATE" | "PUBLIC_KEY",
//	                "signatureCertificateOrPublicKey": "<base64 DER>"}}}
//
// Certificates are stored under their key ID and their hex serial. The
// returned AES key is nil if the container has none.
func ReadKeyStore(r io.Reader) (MapKeyStore, []byte, error) {
	var f keyStoreFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, nil, fmt.Errorf("decode key store: %w", err)
	}
	var aesKey []byte
	if f.AESKey != "" {
		var err error
		if aesKey, err = LoadBase64Key([]byte(f.AESKey)); err != nil {
			return nil, nil, err
		}
	}
	keys := make(MapKeyStore, len(f.Keys))
	for id, e := range f.Keys {
		if e.ID != "" {
			id = e.ID
		}
		switch e.Type {
		case DeviceCertificate:
			cert, err := ParseCertificate(e.Key)
			if err != nil {
				return nil, nil, fmt.Errorf("key store entry %s: %w", id, err)
			}
			keys[id] = cert.PublicKey
			keys[cert.SerialNumber.Text(16)] = cert.PublicKey
		case DevicePublicKey:
			der, err := base64.StdEncoding.DecodeString(e.Key)
			if err != nil {
				return nil, nil, fmt.Errorf("key store entry %s: public key is not base64 encoded: %w", id, err)
			}
			pub, err := x509.ParsePKIXPublicKey(der)
			if err != nil {
				return nil, nil, fmt.Errorf("key store entry %s: %w", id, err)
			}
			keys[id] = pub
		default:
			return nil, nil, fmt.Errorf("key store entry %s: unknown signature device type %q", id, e.Type)
		}
	}
	return keys, aesKey, nil
}

// ParseCertificate decodes a base64 encoded DER certificate.
func ParseCertificate(b64 string) (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("certificate is not base64 encoded: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// LoadBase64Key decodes a base64 encoded turnover counter key as stored in
// key files. Surrounding whitespace is ignored.
func LoadBase64Key(data []byte) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: key is not base64 encoded", ErrDecryptionFailure)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrDecryptionFailure, KeySize, len(key))
	}
	return key, nil
}

// serialMatches reports whether the serial written on a receipt names cert.
// Receipts carry the serial in hex, older exports in decimal.
func serialMatches(cert *x509.Certificate, serial string) bool {
	if cert.SerialNumber == nil {
		return false
	}
	for _, base := range []int{16, 10} {
		if n, ok := new(big.Int).SetString(serial, base); ok && n.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

// signerKey picks the public key that must have signed rec.
func signerKey(rec *Receipt, signer *Signer, keys KeyStore) (crypto.PublicKey, error) {
	if signer != nil && signer.Certificate != nil {
		if rec.ZDA != "AT0" && !serialMatches(signer.Certificate, rec.CertSerial) {
			return nil, fmt.Errorf("%w: certificate serial %s does not match signing certificate", ErrInvalidSignature, rec.CertSerial)
		}
		return signer.Certificate.PublicKey, nil
	}
	if keys != nil {
		if pub, ok := keys.PublicKey(rec.CertSerial); ok {
			return pub, nil
		}
	}
	return nil, fmt.Errorf("%w: no key for %s", ErrInvalidSignature, rec.CertSerial)
}
