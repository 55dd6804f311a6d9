package rkstate

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Format names an external receipt encoding.
type Format string

const (
	FormatJWS Format = "jws"
	FormatQR  Format = "qr"
	FormatOCR Format = "ocr"
	FormatCSV Format = "csv"
)

// Formats lists the encodings accepted by ParseReceipt.
var Formats = []Format{FormatJWS, FormatQR, FormatOCR, FormatCSV}

// DateTimeLayout is the receipt timestamp layout (local time, no zone).
const DateTimeLayout = "2006-01-02T15:04:05"

const (
	payloadSegments = 13
	codeSegments    = 14
)

var (
	algorithmPattern = regexp.MustCompile(`^R[1-9]\d*$`)
	zdaPattern       = regexp.MustCompile(`^([A-Z][A-Z][1-9]\d*|AT0)$`)
	sumPattern       = regexp.MustCompile(`^-?([1-9]\d+|\d),\d\d$`)
	base32Pattern    = regexp.MustCompile(`^[A-Z2-7]*={0,7}$`)
)

var (
	dummyMarker          = base64.StdEncoding.EncodeToString([]byte("TRA"))
	reversalMarker       = base64.StdEncoding.EncodeToString([]byte("STO"))
	signatureFailedValue = base64.RawURLEncoding.EncodeToString([]byte("Sicherheitseinrichtung ausgefallen"))
)

// Receipt is a decoded, signed receipt. It is not modified after decoding.
type Receipt struct {
	AlgorithmID string
	ZDA         string
	RegisterID  string
	ReceiptID   string
	DateTime    time.Time
	// Sums holds the five tax category totals in cents: normal, reduced 1,
	// reduced 2, zero and special.
	Sums               [5]int64
	EncTurnoverCounter string
	CertSerial         string
	PreviousChain      string
	Header             string
	// Signature is the unpadded base64url JWS signature segment.
	Signature string

	dateTimeRaw string
	sumsRaw     [5]string
}

// ParseReceipt decodes s according to format.
func ParseReceipt(format Format, s string) (*Receipt, error) {
	s = strings.TrimSpace(s)
	switch format {
	case FormatJWS:
		return ParseJWS(s)
	case FormatQR:
		return ParseBasicCode(s)
	case FormatOCR:
		return ParseOCRCode(s)
	case FormatCSV:
		return ParseCSV(s)
	default:
		return nil, fmt.Errorf("unknown receipt format %q", format)
	}
}

func malformed(receipt, reason string, args ...any) error {
	return fmt.Errorf("%w: %q: %s", ErrMalformedReceipt, receipt, fmt.Sprintf(reason, args...))
}

// ParseJWS decodes a receipt in compact JWS form.
func ParseJWS(s string) (*Receipt, error) {
	segs := strings.Split(s, ".")
	if len(segs) != 3 {
		return nil, malformed(s, "JWS does not contain exactly three segments")
	}
	for _, seg := range segs {
		if strings.HasSuffix(seg, "=") {
			return nil, malformed(s, "base64 padding used in JWS")
		}
	}
	header, err := base64.RawURLEncoding.Strict().DecodeString(segs[0])
	if err != nil || !utf8.Valid(header) {
		return nil, malformed(s, "invalid JWS header")
	}
	payload, err := base64.RawURLEncoding.Strict().DecodeString(segs[1])
	if err != nil || !utf8.Valid(payload) {
		return nil, malformed(s, "invalid JWS payload")
	}
	if _, err := base64.RawURLEncoding.Strict().DecodeString(segs[2]); err != nil {
		return nil, malformed(s, "signature is not base64url encoded")
	}

	rec, alg, err := parsePayload(s, strings.Split(string(payload), "_"))
	if err != nil {
		return nil, err
	}
	if alg.JWSHeader() != string(header) {
		return nil, malformed(s, "JWS header does not match algorithm %s", alg.ID())
	}
	rec.Header = string(header)
	rec.Signature = segs[2]
	return rec, nil
}

// ParseBasicCode decodes the machine readable (QR) representation.
func ParseBasicCode(s string) (*Receipt, error) {
	segs := strings.Split(s, "_")
	if len(segs) != codeSegments {
		return nil, malformed(s, "machine readable code does not contain %d elements", codeSegments-1)
	}
	rec, alg, err := parsePayload(s, segs[:payloadSegments])
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(segs[payloadSegments])
	if err != nil {
		return nil, malformed(s, "signature %q is not base64 encoded", segs[payloadSegments])
	}
	rec.Header = alg.JWSHeader()
	rec.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return rec, nil
}

// ParseOCRCode decodes the OCR representation, which carries the binary
// fields base32 encoded.
func ParseOCRCode(s string) (*Receipt, error) {
	segs := strings.Split(s, "_")
	if len(segs) != codeSegments {
		return nil, malformed(s, "OCR code does not contain %d elements", codeSegments-1)
	}
	for _, i := range []int{10, 12, 13} {
		if !base32Pattern.MatchString(segs[i]) {
			return nil, malformed(s, "element %q is not base32 encoded", segs[i])
		}
		raw, err := base32.StdEncoding.DecodeString(segs[i])
		if err != nil {
			return nil, malformed(s, "element %q is not base32 encoded", segs[i])
		}
		segs[i] = base64.StdEncoding.EncodeToString(raw)
	}
	return ParseBasicCode(strings.Join(segs, "_"))
}

// ParseCSV decodes the semicolon separated representation.
func ParseCSV(s string) (*Receipt, error) {
	fields := strings.Split(s, ";")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return ParseBasicCode("_" + strings.Join(fields, "_"))
}

func parsePayload(raw string, segs []string) (*Receipt, Algorithm, error) {
	if len(segs) != payloadSegments || segs[0] != "" {
		return nil, nil, malformed(raw, "payload does not contain %d elements", payloadSegments-1)
	}
	algID, zda, ok := strings.Cut(segs[1], "-")
	if !ok || strings.Contains(zda, "-") {
		return nil, nil, malformed(raw, "payload does not contain algorithm and ZDA IDs")
	}
	if !algorithmPattern.MatchString(algID) {
		return nil, nil, malformed(raw, "algorithm ID %q invalid", algID)
	}
	alg, err := LookupAlgorithm(algID)
	if err != nil {
		return nil, nil, err
	}

	rec := &Receipt{
		AlgorithmID:        algID,
		ZDA:                zda,
		RegisterID:         segs[2],
		ReceiptID:          segs[3],
		dateTimeRaw:        segs[4],
		EncTurnoverCounter: segs[10],
		CertSerial:         segs[11],
		PreviousChain:      segs[12],
	}
	copy(rec.sumsRaw[:], segs[5:10])

	if rec.ReceiptID == "" {
		return nil, nil, malformed(raw, "receipt ID missing")
	}
	if !zdaPattern.MatchString(zda) {
		return nil, nil, malformed(rec.ReceiptID, "ZDA %q invalid", zda)
	}
	if rec.RegisterID == "" {
		return nil, nil, malformed(rec.ReceiptID, "register ID missing")
	}
	if rec.DateTime, err = time.Parse(DateTimeLayout, rec.dateTimeRaw); err != nil {
		return nil, nil, malformed(rec.ReceiptID, "timestamp %q invalid", rec.dateTimeRaw)
	}
	var total int64
	for i, sum := range rec.sumsRaw {
		if rec.Sums[i], err = parseCents(sum); err != nil {
			return nil, nil, malformed(rec.ReceiptID, "sum %q invalid", sum)
		}
		var ok bool
		if total, ok = addCents(total, rec.Sums[i]); !ok {
			return nil, nil, malformed(rec.ReceiptID, "sums out of range")
		}
	}
	if strings.Trim(rec.EncTurnoverCounter, "=") == "" {
		return nil, nil, malformed(rec.ReceiptID, "encrypted turnover counter missing")
	}
	ctr, err := base64.StdEncoding.DecodeString(rec.EncTurnoverCounter)
	if err != nil {
		return nil, nil, malformed(rec.ReceiptID, "encrypted turnover counter %q invalid", rec.EncTurnoverCounter)
	}
	if !rec.IsDummy() && !rec.IsReversal() && (len(ctr) < 5 || len(ctr) > 16) {
		return nil, nil, malformed(rec.ReceiptID, "encrypted turnover counter %q invalid", rec.EncTurnoverCounter)
	}
	if rec.CertSerial == "" {
		return nil, nil, malformed(rec.ReceiptID, "certificate serial missing")
	}
	if _, err := base64.StdEncoding.DecodeString(rec.PreviousChain); err != nil {
		return nil, nil, malformed(rec.ReceiptID, "chaining value %q invalid", rec.PreviousChain)
	}
	return rec, alg, nil
}

func parseCents(s string) (int64, error) {
	if !sumPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	neg := strings.HasPrefix(s, "-")
	whole, frac, _ := strings.Cut(strings.TrimPrefix(s, "-"), ",")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > (math.MaxInt64-99)/100 {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	v := w*100 + f
	if neg {
		v = -v
	}
	return v, nil
}

// Payload returns the "_" separated payload string that is signed.
func (r *Receipt) Payload() string {
	segs := make([]string, 0, payloadSegments)
	segs = append(segs, "", r.AlgorithmID+"-"+r.ZDA, r.RegisterID, r.ReceiptID, r.dateTimeRaw)
	segs = append(segs, r.sumsRaw[:]...)
	segs = append(segs, r.EncTurnoverCounter, r.CertSerial, r.PreviousChain)
	return strings.Join(segs, "_")
}

// SigningInput returns the JWS signing input (header.payload).
func (r *Receipt) SigningInput() string {
	return base64.RawURLEncoding.EncodeToString([]byte(r.Header)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(r.Payload()))
}

// JWS returns the receipt in compact JWS form, the representation kept in
// the cash register state.
func (r *Receipt) JWS() string {
	return r.SigningInput() + "." + r.Signature
}

// IsDummy reports whether the receipt is a training receipt.
func (r *Receipt) IsDummy() bool { return r.EncTurnoverCounter == dummyMarker }

// IsReversal reports whether the receipt is a cancellation.
func (r *Receipt) IsReversal() bool { return r.EncTurnoverCounter == reversalMarker }

// IsNull reports whether all sums are zero.
func (r *Receipt) IsNull() bool { return r.Sums == [5]int64{} }

// IsSignedBroken reports whether the signature device was out of order when
// the receipt was issued.
func (r *Receipt) IsSignedBroken() bool { return r.Signature == signatureFailedValue }

// addCents returns a+b, or false if the sum does not fit an int64.
func addCents(a, b int64) (int64, bool) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, false
	}
	return c, true
}

// Delta returns the receipt's turnover in cents. Parsed receipts are known
// not to overflow.
func (r *Receipt) Delta() int64 {
	var d int64
	for _, s := range r.Sums {
		d += s
	}
	return d
}
