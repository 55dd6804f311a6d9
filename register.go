package rkstate

import (
	"errors"
	"fmt"
)

// Status is the verification state of a single cash register.
type Status int

const (
	// StatusEmpty is a register that has not accepted any receipt.
	StatusEmpty Status = iota
	// StatusActive is a register with a verified chain.
	StatusActive
	// StatusBroken is a register whose chain failed verification. Only a
	// reset or a seed leaves it.
	StatusBroken
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusActive:
		return "active"
	case StatusBroken:
		return "broken"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// VerifyOptions tune the single receipt verification step.
type VerifyOptions struct {
	CounterPolicy CounterPolicy
	// StrictStartReceipt requires the first receipt of a register to be a
	// regular receipt with zero turnover.
	StrictStartReceipt bool
	// RequireKey rejects receipts carrying a turnover counter when no key
	// was supplied.
	RequireKey bool
	// Keys resolves signer keys for receipts without a group certificate.
	Keys KeyStore

	// prevStart is the start receipt of the previous register in the
	// cluster. A register's first receipt chains over it when set.
	prevStart *string
}

// CashRegisterState is the verification cursor of one cash register. The
// exported fields are the persisted state.
type CashRegisterState struct {
	StartReceiptJWS     *string `json:"startReceiptJWS"`
	LastReceiptJWS      *string `json:"lastReceiptJWS"`
	LastTurnoverCounter int64   `json:"lastTurnoverCounter"`
	ChainNextTo         *string `json:"chainNextTo"`
	NeedRestoreReceipt  bool    `json:"needRestoreReceipt"`

	broken  error
	last    *Receipt // decoded lastJWS
	lastJWS string
}

// NewCashRegisterState returns a blank register.
func NewCashRegisterState() *CashRegisterState {
	return &CashRegisterState{}
}

// Status reports the register's state.
func (s *CashRegisterState) Status() Status {
	switch {
	case s.broken != nil:
		return StatusBroken
	case s.LastReceiptJWS == nil:
		return StatusEmpty
	default:
		return StatusActive
	}
}

// BrokenReason returns the error that broke the chain, or nil.
func (s *CashRegisterState) BrokenReason() error { return s.broken }

// Validate checks the invariants of a loaded register.
func (s *CashRegisterState) Validate() error {
	if s.LastReceiptJWS == nil {
		if s.LastTurnoverCounter != 0 {
			return fmt.Errorf("%w: turnover counter %d without last receipt", ErrInvalidState, s.LastTurnoverCounter)
		}
		if s.NeedRestoreReceipt {
			return fmt.Errorf("%w: restore receipt needed without last receipt", ErrInvalidState)
		}
	}
	return nil
}

// Clone returns a deep copy of the persisted fields.
func (s *CashRegisterState) Clone() *CashRegisterState {
	return &CashRegisterState{
		StartReceiptJWS:     cloneString(s.StartReceiptJWS),
		LastReceiptJWS:      cloneString(s.LastReceiptJWS),
		LastTurnoverCounter: s.LastTurnoverCounter,
		ChainNextTo:         cloneString(s.ChainNextTo),
		NeedRestoreReceipt:  s.NeedRestoreReceipt,
	}
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SetLastReceipt overrides the last receipt. It does not touch any other field.
func (s *CashRegisterState) SetLastReceipt(jws *string) {
	s.LastReceiptJWS = jws
	s.last, s.lastJWS = nil, ""
}

// lastReceipt decodes LastReceiptJWS, caching the result.
func (s *CashRegisterState) lastReceipt() (*Receipt, error) {
	if s.LastReceiptJWS == nil {
		return nil, nil
	}
	if s.last != nil && s.lastJWS == *s.LastReceiptJWS {
		return s.last, nil
	}
	rec, err := ParseJWS(*s.LastReceiptJWS)
	if err != nil {
		return nil, fmt.Errorf("last receipt: %w", err)
	}
	s.last, s.lastJWS = rec, *s.LastReceiptJWS
	return rec, nil
}

// expectedChain returns the chaining value the next receipt must carry and,
// if known, the receipt it continues.
func (s *CashRegisterState) expectedChain(alg Algorithm, rec *Receipt, opts VerifyOptions) (string, *Receipt, error) {
	last, err := s.lastReceipt()
	if err != nil {
		return "", nil, err
	}
	if last != nil {
		if s.ChainNextTo != nil {
			return *s.ChainNextTo, last, nil
		}
		return alg.ChainValue(*s.LastReceiptJWS), last, nil
	}
	if s.ChainNextTo != nil {
		return *s.ChainNextTo, nil, nil
	}
	if opts.prevStart != nil {
		prev, err := ParseJWS(*opts.prevStart)
		if err != nil {
			return "", nil, fmt.Errorf("previous register start receipt: %w", err)
		}
		if rec.ZDA != "AT0" || prev.ZDA != "AT0" {
			return "", nil, fmt.Errorf("%w: cluster chaining requires an AT0 closed system", ErrChainBreak)
		}
		return alg.ChainValue(*opts.prevStart), nil, nil
	}
	return alg.ChainValue(rec.RegisterID), nil, nil
}

// VerifyAndApply checks rec against the register's chain and, on success,
// advances the register to it. signer may be nil, in which case
// opts.Keys must resolve the receipt's key. key is the turnover counter key
// or nil.
//
// A chain break, bad signature or inconsistent counter moves the register
// into StatusBroken; other errors leave it untouched.
func (s *CashRegisterState) VerifyAndApply(rec *Receipt, signer *Signer, key []byte, opts VerifyOptions) error {
	if s.broken != nil {
		return fmt.Errorf("%w: %v", ErrRegisterBroken, s.broken)
	}
	err := s.verifyAndApply(rec, signer, key, opts)
	if breaksChain(err) {
		s.broken = err
		log.Warnw("cash register chain broken", "receipt", rec.ReceiptID, "err", err)
	}
	return err
}

func (s *CashRegisterState) verifyAndApply(rec *Receipt, signer *Signer, key []byte, opts VerifyOptions) error {
	alg, err := LookupAlgorithm(rec.AlgorithmID)
	if err != nil {
		return err
	}
	if key != nil && !alg.ValidKey(key) {
		return fmt.Errorf("%w: invalid key for algorithm %s", ErrDecryptionFailure, alg.ID())
	}
	if key == nil && opts.RequireKey && !rec.IsDummy() && !rec.IsReversal() {
		return fmt.Errorf("%w: no key supplied", ErrDecryptionFailure)
	}

	expected, prev, err := s.expectedChain(alg, rec, opts)
	if err != nil {
		return err
	}
	if rec.PreviousChain != expected {
		return fmt.Errorf("%w: chaining value %s, expected %s", ErrChainBreak, rec.PreviousChain, expected)
	}
	if prev != nil {
		if prev.RegisterID != rec.RegisterID {
			return fmt.Errorf("%w: register ID changed from %s to %s", ErrChainBreak, prev.RegisterID, rec.RegisterID)
		}
		if (prev.ZDA == "AT0") != (rec.ZDA == "AT0") {
			return fmt.Errorf("%w: signature system type changed", ErrChainBreak)
		}
		if rec.DateTime.Before(prev.DateTime) {
			return fmt.Errorf("%w: timestamp %s before previous %s", ErrChainBreak,
				rec.DateTime.Format(DateTimeLayout), prev.DateTime.Format(DateTimeLayout))
		}
	}

	genesis := s.LastReceiptJWS == nil
	if genesis && opts.StrictStartReceipt && (!rec.IsNull() || rec.IsDummy() || rec.IsReversal()) {
		return fmt.Errorf("%w: start receipt must be a regular receipt without turnover", ErrCounterInconsistency)
	}

	if rec.IsSignedBroken() {
		if genesis {
			return fmt.Errorf("%w: signature device failed on start receipt", ErrInvalidSignature)
		}
	} else {
		pub, err := signerKey(rec, signer, opts.Keys)
		if err != nil {
			return err
		}
		if err := alg.VerifySignature(rec, pub); err != nil {
			return err
		}
	}

	counter := s.LastTurnoverCounter
	if !rec.IsDummy() {
		delta := rec.Delta()
		if delta < 0 && opts.CounterPolicy == CounterPolicyMonotonic {
			return fmt.Errorf("%w: negative turnover %d", ErrCounterInconsistency, delta)
		}
		var ok bool
		if counter, ok = addCents(counter, delta); !ok {
			return fmt.Errorf("%w: turnover counter out of range", ErrCounterInconsistency)
		}
		if key != nil && !rec.IsReversal() {
			got, err := alg.DecryptTurnoverCounter(rec, key)
			if err != nil {
				return err
			}
			if got != counter {
				return fmt.Errorf("%w: counter %d, expected %d", ErrCounterInconsistency, got, counter)
			}
		}
	}

	jws := rec.JWS()
	next := alg.ChainValue(jws)
	if genesis {
		s.StartReceiptJWS = &jws
	}
	s.LastReceiptJWS = &jws
	s.ChainNextTo = &next
	s.LastTurnoverCounter = counter
	s.last, s.lastJWS = rec, jws
	switch {
	case rec.IsSignedBroken():
		s.NeedRestoreReceipt = true
	case rec.IsNull() && !rec.IsDummy() && !rec.IsReversal():
		s.NeedRestoreReceipt = false
	}
	return nil
}

// SeedFromReceipt makes rec the start and last receipt of the register
// without any chain or signature check. The counter is taken from the
// receipt when key is given and is zero otherwise.
func (s *CashRegisterState) SeedFromReceipt(rec *Receipt, key []byte) error {
	alg, err := LookupAlgorithm(rec.AlgorithmID)
	if err != nil {
		return err
	}
	var counter int64
	switch {
	case key != nil && !rec.IsDummy() && !rec.IsReversal():
		if counter, err = alg.DecryptTurnoverCounter(rec, key); err != nil {
			return err
		}
	case key == nil:
		log.Warnw("seed without key, turnover counter set to 0", "receipt", rec.ReceiptID)
	}
	jws := rec.JWS()
	next := alg.ChainValue(jws)
	start := jws
	*s = CashRegisterState{
		StartReceiptJWS:     &start,
		LastReceiptJWS:      &jws,
		LastTurnoverCounter: counter,
		ChainNextTo:         &next,
		last:                rec,
		lastJWS:             jws,
	}
	log.Warnw("seed cash register from arbitrary receipt", "receipt", rec.ReceiptID, "register", rec.RegisterID)
	return nil
}

// SeedStartReceipt records rec as the register's start receipt and nothing else.
func (s *CashRegisterState) SeedStartReceipt(rec *Receipt) {
	jws := rec.JWS()
	s.StartReceiptJWS = &jws
	s.broken = nil
	log.Warnw("seed cash register start receipt", "receipt", rec.ReceiptID, "register", rec.RegisterID)
}

// IsBroken reports whether err is one of the errors that break a chain.
func IsBroken(err error) bool {
	return breaksChain(err) || errors.Is(err, ErrRegisterBroken)
}
