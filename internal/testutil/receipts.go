// Package testutil issues signed receipt chains and DEP exports for tests.
package testutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const header = `{"alg":"ES256"}`

// SignatureFailed is the signature of receipts issued while the signature
// device was out of order.
var SignatureFailed = base64.RawURLEncoding.EncodeToString([]byte("Sicherheitseinrichtung ausgefallen"))

// Signer is a signature device with a self-signed certificate.
type Signer struct {
	Key    *ecdsa.PrivateKey
	Cert   *x509.Certificate
	Serial string // hex serial as written on receipts
}

// NewSigner creates a P-256 key and a certificate with the given serial.
func NewSigner(t testing.TB, serial int64) *Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: fmt.Sprintf("signature device %x", serial)},
		NotBefore:    time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2036, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &Signer{Key: key, Cert: cert, Serial: fmt.Sprintf("%x", serial)}
}

// NewKey returns a random AES-256 turnover counter key.
func NewKey(t testing.TB) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate aes key: %v", err)
	}
	return key
}

// KeyFile returns the base64 form of key as stored in key files.
func KeyFile(key []byte) string {
	return base64.StdEncoding.EncodeToString(key) + "\n"
}

// ChainValue is base64(SHA-256(input)[0:8]).
func ChainValue(input string) string {
	sum := sha256.Sum256([]byte(input))
	return base64.StdEncoding.EncodeToString(sum[:8])
}

// Register issues a chain of receipts for one cash register.
type Register struct {
	t       testing.TB
	ID      string
	ZDA     string
	Signer  *Signer
	Key     []byte
	Counter int64
	// Last is the JWS of the last issued receipt.
	Last string
	// Genesis is the chain input of the first receipt, the register ID by
	// default.
	Genesis string
	Time    time.Time
	seq     int
}

// NewRegister returns a register in a closed system (ZDA AT0).
func NewRegister(t testing.TB, id string, s *Signer, key []byte) *Register {
	return &Register{
		t:      t,
		ID:     id,
		ZDA:    "AT0",
		Signer: s,
		Key:    key,
		Time:   time.Date(2016, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

// Opts alter a single receipt.
type Opts struct {
	ReceiptID       string
	RegisterID      string
	Chain           string
	Dummy           bool
	Reversal        bool
	SignatureFailed bool
	// SignWith signs with another key.
	SignWith *ecdsa.PrivateKey
	// CounterOffset is added to the encrypted counter only.
	CounterOffset int64
	// Time overrides the timestamp.
	Time time.Time
}

// Receipt issues the next receipt with a turnover of cents.
func (r *Register) Receipt(cents int64) string {
	return r.ReceiptWith(cents, Opts{})
}

// ReceiptWith issues the next receipt and advances the register.
func (r *Register) ReceiptWith(cents int64, o Opts) string {
	r.t.Helper()
	r.seq++
	r.Time = r.Time.Add(time.Minute)

	receiptID := o.ReceiptID
	if receiptID == "" {
		receiptID = fmt.Sprintf("%s-%d", r.ID, r.seq)
	}
	registerID := o.RegisterID
	if registerID == "" {
		registerID = r.ID
	}
	ts := r.Time
	if !o.Time.IsZero() {
		ts = o.Time
	}
	chain := o.Chain
	if chain == "" {
		switch {
		case r.Last != "":
			chain = ChainValue(r.Last)
		case r.Genesis != "":
			chain = ChainValue(r.Genesis)
		default:
			chain = ChainValue(registerID)
		}
	}

	var counter string
	switch {
	case o.Dummy:
		counter = base64.StdEncoding.EncodeToString([]byte("TRA"))
	case o.Reversal:
		r.Counter += cents
		counter = base64.StdEncoding.EncodeToString([]byte("STO"))
	default:
		r.Counter += cents
		counter = r.encrypt(registerID, receiptID, r.Counter+o.CounterOffset)
	}

	payload := strings.Join([]string{
		"", "R1-" + r.ZDA, registerID, receiptID, ts.Format("2006-01-02T15:04:05"),
		Cents(cents), "0,00", "0,00", "0,00", "0,00",
		counter, r.Signer.Serial, chain,
	}, "_")
	input := base64.RawURLEncoding.EncodeToString([]byte(header)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(payload))

	var sig string
	if o.SignatureFailed {
		sig = SignatureFailed
	} else {
		key := r.Signer.Key
		if o.SignWith != nil {
			key = o.SignWith
		}
		var err error
		if sig, err = jwt.SigningMethodES256.Sign(input, key); err != nil {
			r.t.Fatalf("sign receipt: %v", err)
		}
	}
	r.Last = input + "." + sig
	return r.Last
}

func (r *Register) encrypt(registerID, receiptID string, counter int64) string {
	key := r.Key
	if key == nil {
		// The counter is only checked when a key is supplied.
		key = make([]byte, 32)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		r.t.Fatalf("aes: %v", err)
	}
	iv := sha256.Sum256([]byte(registerID + receiptID))
	pt := make([]byte, 8)
	binary.BigEndian.PutUint64(pt, uint64(counter))
	ct := make([]byte, len(pt))
	cipher.NewCTR(block, iv[:16]).XORKeyStream(ct, pt)
	return base64.StdEncoding.EncodeToString(ct)
}

// Cents formats an amount in cents as a receipt sum.
func Cents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d,%02d", sign, c/100, c%100)
}

// Group is one group of a DEP export.
type Group struct {
	Cert     *x509.Certificate
	Chain    []*x509.Certificate
	Receipts []string
}

// Export encodes groups as a DEP export.
func Export(t testing.TB, groups ...Group) []byte {
	t.Helper()
	type depGroup struct {
		Cert     string   `json:"Signaturzertifikat"`
		Chain    []string `json:"Zertifizierungsstellen"`
		Receipts []string `json:"Belege-kompakt"`
	}
	doc := struct {
		Groups []depGroup `json:"Belege-Gruppe"`
	}{Groups: []depGroup{}}
	for _, g := range groups {
		dg := depGroup{Chain: []string{}, Receipts: g.Receipts}
		if g.Cert != nil {
			dg.Cert = base64.StdEncoding.EncodeToString(g.Cert.Raw)
		}
		for _, c := range g.Chain {
			dg.Chain = append(dg.Chain, base64.StdEncoding.EncodeToString(c.Raw))
		}
		if dg.Receipts == nil {
			dg.Receipts = []string{}
		}
		doc.Groups = append(doc.Groups, dg)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal export: %v", err)
	}
	return b
}

func splitJWS(t testing.TB, jws string) (payload string, sig []byte) {
	t.Helper()
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		t.Fatalf("not a JWS: %q", jws)
	}
	p, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	s, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	return string(p), s
}

// QRCode converts a JWS receipt to its machine readable code.
func QRCode(t testing.TB, jws string) string {
	payload, sig := splitJWS(t, jws)
	return payload + "_" + base64.StdEncoding.EncodeToString(sig)
}

// OCRCode converts a JWS receipt to its OCR code.
func OCRCode(t testing.TB, jws string) string {
	segs := strings.Split(QRCode(t, jws), "_")
	for _, i := range []int{10, 12, 13} {
		raw, err := base64.StdEncoding.DecodeString(segs[i])
		if err != nil {
			t.Fatalf("segment %d: %v", i, err)
		}
		segs[i] = base32.StdEncoding.EncodeToString(raw)
	}
	return strings.Join(segs, "_")
}

// CSV converts a JWS receipt to its semicolon separated form.
func CSV(t testing.TB, jws string) string {
	return strings.Join(strings.Split(QRCode(t, jws), "_")[1:], ";")
}

// KeyStore encodes a key store holding the public keys of signers under
// their serials, and key as AES key if it is not nil.
func KeyStore(t testing.TB, key []byte, signers ...*Signer) string {
	t.Helper()
	type entry struct {
		ID   string `json:"id"`
		Type string `json:"signatureDeviceType"`
		Key  string `json:"signatureCertificateOrPublicKey"`
	}
	doc := struct {
		AESKey string           `json:"base64AESKey,omitempty"`
		Keys   map[string]entry `json:"certificateOrPublicKeyMap"`
	}{Keys: map[string]entry{}}
	if key != nil {
		doc.AESKey = base64.StdEncoding.EncodeToString(key)
	}
	for _, s := range signers {
		der, err := x509.MarshalPKIXPublicKey(&s.Key.PublicKey)
		if err != nil {
			t.Fatalf("marshal public key: %v", err)
		}
		doc.Keys[s.Serial] = entry{ID: s.Serial, Type: "PUBLIC_KEY", Key: base64.StdEncoding.EncodeToString(der)}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal key store: %v", err)
	}
	return string(b)
}
