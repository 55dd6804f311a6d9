package rkstate

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// KeySize is the size in bytes of the AES-256 turnover counter key.
const KeySize = 32

// Algorithm is a receipt signature suite: how receipts are chained, how the
// turnover counter is encrypted and how signatures are checked.
type Algorithm interface {
	ID() string
	JWSHeader() string
	// ChainValue returns the chaining value the successor of input must
	// reference. input is the previous receipt's JWS, or for the first
	// receipt of a register the register ID.
	ChainValue(input string) string
	ValidKey(key []byte) bool
	DecryptTurnoverCounter(rec *Receipt, key []byte) (int64, error)
	VerifySignature(rec *Receipt, pub crypto.PublicKey) error
}

var algorithms = map[string]Algorithm{
	"R1": R1{},
}

// LookupAlgorithm returns the algorithm suite registered under id.
func LookupAlgorithm(id string) (Algorithm, error) {
	alg, ok := algorithms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, id)
	}
	return alg, nil
}

// R1 is the ES256 / SHA-256 / AES-256-CTR suite.
type R1 struct{}

const (
	r1ChainBytes  = 8
	r1CounterSize = 8
)

func (R1) ID() string { return "R1" }

func (R1) JWSHeader() string { return `{"alg":"ES256"}` }

// ChainValue computes base64(SHA-256(input)[0:8]).
func (R1) ChainValue(input string) string {
	sum := sha256.Sum256([]byte(input))
	return base64.StdEncoding.EncodeToString(sum[:r1ChainBytes])
}

func (R1) ValidKey(key []byte) bool { return len(key) == KeySize }

// turnoverIV derives the CTR IV: SHA-256(registerID || receiptID)[0:16].
func turnoverIV(registerID, receiptID string) []byte {
	sum := sha256.Sum256([]byte(registerID + receiptID))
	return sum[:aes.BlockSize]
}

// DecryptTurnoverCounter decrypts the receipt's counter with AES-256-CTR.
func (a R1) DecryptTurnoverCounter(rec *Receipt, key []byte) (int64, error) {
	if !a.ValidKey(key) {
		return 0, fmt.Errorf("%w: key must be %d bytes", ErrDecryptionFailure, KeySize)
	}
	ct, err := base64.StdEncoding.DecodeString(rec.EncTurnoverCounter)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	pt := make([]byte, len(ct))
	cipher.NewCTR(block, turnoverIV(rec.RegisterID, rec.ReceiptID)).XORKeyStream(pt, ct)
	v, err := decodeCounter(pt)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return v, nil
}

// EncryptTurnoverCounter is the inverse of DecryptTurnoverCounter and returns
// the base64 encoded ciphertext of an 8 byte counter.
func (a R1) EncryptTurnoverCounter(registerID, receiptID string, key []byte, counter int64) (string, error) {
	if !a.ValidKey(key) {
		return "", fmt.Errorf("%w: key must be %d bytes", ErrDecryptionFailure, KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	pt := make([]byte, r1CounterSize)
	binary.BigEndian.PutUint64(pt, uint64(counter))
	ct := make([]byte, len(pt))
	cipher.NewCTR(block, turnoverIV(registerID, receiptID)).XORKeyStream(ct, pt)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// decodeCounter reads a big-endian two's complement integer of 1 to 16 bytes.
func decodeCounter(b []byte) (int64, error) {
	if len(b) == 0 || len(b) > 16 {
		return 0, fmt.Errorf("counter size %d out of range", len(b))
	}
	if n := len(b) - 8; n > 0 {
		var fill byte
		if b[n]&0x80 != 0 {
			fill = 0xff
		}
		for _, x := range b[:n] {
			if x != fill {
				return 0, fmt.Errorf("counter does not fit in 64 bits")
			}
		}
		b = b[n:]
	}
	var v uint64
	if b[0]&0x80 != 0 {
		v = ^uint64(0)
	}
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return int64(v), nil
}

// VerifySignature checks the receipt's ES256 JWS signature.
func (R1) VerifySignature(rec *Receipt, pub crypto.PublicKey) error {
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: expected ECDSA public key, got %T", ErrInvalidSignature, pub)
	}
	if err := jwt.SigningMethodES256.Verify(rec.SigningInput(), rec.Signature, key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Sign produces the JWS signature segment for signingInput.
func (R1) Sign(signingInput string, priv *ecdsa.PrivateKey) (string, error) {
	return jwt.SigningMethodES256.Sign(signingInput, priv)
}
