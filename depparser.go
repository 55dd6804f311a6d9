package rkstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Keys of the DEP export document.
const (
	depGroupsKey   = "Belege-Gruppe"
	depCertKey     = "Signaturzertifikat"
	depChainKey    = "Zertifizierungsstellen"
	depReceiptsKey = "Belege-kompakt"
)

// Group is a run of receipts from one export group together with the
// certificate material of that group. Large groups are delivered as several
// consecutive Groups sharing the same Signer.
type Group struct {
	Receipts []string
	// Signer is nil if the group carries no certificate.
	Signer *Signer
}

// Chunk is a bounded batch of groups.
type Chunk []Group

// Len returns the number of receipts in the chunk.
func (c Chunk) Len() int {
	n := 0
	for _, g := range c {
		n += len(g.Receipts)
	}
	return n
}

// ChunkSource yields chunks until it returns io.EOF. Any other error ends
// the sequence.
type ChunkSource interface {
	Next() (Chunk, error)
}

// ExportParser streams a DEP export:
//
//	{"Belege-Gruppe": [
//	  {"Signaturzertifikat": "<base64 DER>",
//	   "Zertifizierungsstellen": ["<base64 DER>", ...],
//	   "Belege-kompakt": ["<JWS>", ...]},
//	  ...
//	]}
//
// Each chunk holds at most chunkSize receipts. Receipts of a group whose
// certificate precedes them are streamed; otherwise the group is read whole
// before it is returned.
type ExportParser struct {
	dec       *json.Decoder
	chunkSize int
	started   bool
	cur       *groupState
	err       error
}

type groupState struct {
	signer   Signer
	certRead bool // certificate key read, possibly empty
	seen     bool // receipts key read
	stream   bool // receipts are handed out while reading
	streamed bool // inside the receipt array of a streamed group
	closed   bool // closing brace read
	pending  []string
}

func (g *groupState) group(receipts []string) Group {
	out := Group{Receipts: receipts}
	if g.signer.Certificate != nil || g.signer.Chain != nil {
		out.Signer = &g.signer
	}
	return out
}

// NewExportParser returns a parser reading from r. A chunkSize below one
// selects DefaultChunkSize.
func NewExportParser(r io.Reader, chunkSize int) *ExportParser {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	return &ExportParser{dec: json.NewDecoder(r), chunkSize: chunkSize}
}

// Next returns the next chunk, io.EOF after the last one, or an error
// wrapping ErrParse. Errors are sticky.
func (p *ExportParser) Next() (Chunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	if !p.started {
		if err := p.openDocument(); err != nil {
			p.err = err
			return nil, err
		}
		p.started = true
	}
	var chunk Chunk
	for n := 0; n < p.chunkSize; {
		g, err := p.nextGroup(p.chunkSize - n)
		if errors.Is(err, io.EOF) {
			p.err = io.EOF
			break
		}
		if err != nil {
			p.err = err
			return nil, err
		}
		chunk = append(chunk, g)
		n += len(g.Receipts)
	}
	if len(chunk) == 0 {
		return nil, io.EOF
	}
	log.Debugw("parsed export chunk", "groups", len(chunk), "receipts", chunk.Len())
	return chunk, nil
}

func (p *ExportParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrParse, p.dec.InputOffset(), fmt.Sprintf(format, args...))
}

func (p *ExportParser) token() (json.Token, error) {
	tok, err := p.dec.Token()
	if errors.Is(err, io.EOF) {
		return nil, p.errorf("unexpected end of input")
	}
	if err != nil {
		return nil, p.errorf("%v", err)
	}
	return tok, nil
}

func (p *ExportParser) expectDelim(d json.Delim) error {
	tok, err := p.token()
	if err != nil {
		return err
	}
	if got, ok := tok.(json.Delim); !ok || got != d {
		return p.errorf("expected %q, got %v", d, tok)
	}
	return nil
}

// key reads an object key, or returns ok == false at the closing brace.
func (p *ExportParser) key() (string, bool, error) {
	tok, err := p.token()
	if err != nil {
		return "", false, err
	}
	switch t := tok.(type) {
	case json.Delim:
		if t == '}' {
			return "", false, nil
		}
	case string:
		return t, true, nil
	}
	return "", false, p.errorf("expected object key, got %v", tok)
}

func (p *ExportParser) skipValue() error {
	var raw json.RawMessage
	if err := p.dec.Decode(&raw); err != nil {
		return p.errorf("%v", err)
	}
	return nil
}

// openDocument reads up to the opening bracket of the group array.
func (p *ExportParser) openDocument() error {
	tok, err := p.dec.Token()
	if errors.Is(err, io.EOF) {
		return p.errorf("empty export")
	}
	if err != nil {
		return p.errorf("%v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return p.errorf("export is not a JSON object")
	}
	for {
		k, ok, err := p.key()
		if err != nil {
			return err
		}
		if !ok {
			return p.errorf("%s missing", depGroupsKey)
		}
		if k == depGroupsKey {
			return p.expectDelim('[')
		}
		if err := p.skipValue(); err != nil {
			return err
		}
	}
}

// closeDocument reads the rest of the document after the group array.
func (p *ExportParser) closeDocument() error {
	for {
		k, ok, err := p.key()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if k == depGroupsKey {
			return p.errorf("duplicate %s", depGroupsKey)
		}
		if err := p.skipValue(); err != nil {
			return err
		}
	}
	if tok, err := p.dec.Token(); !errors.Is(err, io.EOF) {
		if err != nil {
			return p.errorf("%v", err)
		}
		return p.errorf("trailing data %v", tok)
	}
	return nil
}

// nextGroup returns up to max receipts of the current group, opening the
// next group when needed. It returns io.EOF after the last group.
func (p *ExportParser) nextGroup(max int) (Group, error) {
	for {
		if p.cur == nil {
			if !p.dec.More() {
				if err := p.expectDelim(']'); err != nil {
					return Group{}, err
				}
				if err := p.closeDocument(); err != nil {
					return Group{}, err
				}
				return Group{}, io.EOF
			}
			if err := p.expectDelim('{'); err != nil {
				return Group{}, err
			}
			p.cur = &groupState{}
		}
		g := p.cur

		if g.closed {
			p.cur = nil
			if len(g.pending) > 0 {
				return p.emitPending(g, max), nil
			}
			continue
		}

		if g.streamed {
			recs, err := p.streamReceipts(max)
			if err != nil {
				return Group{}, err
			}
			if len(recs) > 0 {
				return g.group(recs), nil
			}
			continue
		}

		if err := p.groupField(g); err != nil {
			return Group{}, err
		}
	}
}

// emitPending hands out a buffered group, keeping the remainder as the
// current group.
func (p *ExportParser) emitPending(g *groupState, max int) Group {
	take := min(max, len(g.pending))
	out := g.pending[:take:take]
	g.pending = g.pending[take:]
	if len(g.pending) > 0 {
		p.cur = g
	}
	return g.group(out)
}

// streamReceipts reads up to max receipts of the array being streamed and
// consumes its closing bracket when reached.
func (p *ExportParser) streamReceipts(max int) ([]string, error) {
	var out []string
	for len(out) < max && p.dec.More() {
		s, err := p.receipt()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if !p.dec.More() {
		if err := p.expectDelim(']'); err != nil {
			return nil, err
		}
		p.cur.streamed = false
	}
	return out, nil
}

func (p *ExportParser) receipt() (string, error) {
	tok, err := p.token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", p.errorf("receipt is not a string: %v", tok)
	}
	return s, nil
}

// groupField reads one key/value pair of the current group object, or its
// closing brace.
func (p *ExportParser) groupField(g *groupState) error {
	k, ok, err := p.key()
	if err != nil {
		return err
	}
	if !ok {
		g.closed = true
		return nil
	}
	switch k {
	case depCertKey:
		if g.stream {
			return p.errorf("%s after receipts", depCertKey)
		}
		var b64 *string
		if err := p.dec.Decode(&b64); err != nil {
			return p.errorf("%s: %v", depCertKey, err)
		}
		// Closed systems export an empty certificate; their keys come
		// from the key store.
		if b64 != nil && *b64 != "" {
			cert, err := ParseCertificate(*b64)
			if err != nil {
				return p.errorf("%s: %v", depCertKey, err)
			}
			g.signer.Certificate = cert
		}
		g.certRead = true
	case depChainKey:
		if g.stream {
			return p.errorf("%s after receipts", depChainKey)
		}
		var b64s []string
		if err := p.dec.Decode(&b64s); err != nil {
			return p.errorf("%s: %v", depChainKey, err)
		}
		for _, b64 := range b64s {
			cert, err := ParseCertificate(b64)
			if err != nil {
				return p.errorf("%s: %v", depChainKey, err)
			}
			g.signer.Chain = append(g.signer.Chain, cert)
		}
	case depReceiptsKey:
		if g.seen {
			return p.errorf("duplicate %s", depReceiptsKey)
		}
		g.seen = true
		if err := p.expectDelim('['); err != nil {
			return err
		}
		if g.certRead {
			g.stream, g.streamed = true, true
			return nil
		}
		for p.dec.More() {
			s, err := p.receipt()
			if err != nil {
				return err
			}
			g.pending = append(g.pending, s)
		}
		return p.expectDelim(']')
	default:
		return p.skipValue()
	}
	return nil
}
