package rkstate

import (
	"fmt"
	"slices"
)

// ClusterState is the verification state of a cluster of cash registers
// that share one index of used receipt IDs. Registers are addressed by
// position.
//
// A ClusterState is not safe for concurrent use.
type ClusterState struct {
	registers []*CashRegisterState
	ids       UsedReceiptIDs
}

// NewClusterState returns a cluster without registers that records used
// receipt IDs in ids.
func NewClusterState(ids UsedReceiptIDs) *ClusterState {
	return &ClusterState{ids: ids}
}

// FromArbitraryReceipt returns a cluster with a single register seeded from
// rec, whose ID is recorded as used. No chain or signature check is done.
func FromArbitraryReceipt(rec *Receipt, key []byte, ids UsedReceiptIDs) (*ClusterState, error) {
	c := NewClusterState(ids)
	reg := NewCashRegisterState()
	if err := reg.SeedFromReceipt(rec, key); err != nil {
		return nil, err
	}
	if err := ids.Add(rec.ReceiptID); err != nil {
		return nil, err
	}
	c.registers = append(c.registers, reg)
	return c, nil
}

// FromArbitraryStartReceipt returns a cluster with a single register whose
// start receipt is rec. The register has no last receipt, so its next
// receipt starts a new chain; the start receipt only anchors the chain of
// the following register in the cluster.
func FromArbitraryStartReceipt(rec *Receipt, ids UsedReceiptIDs) (*ClusterState, error) {
	c := NewClusterState(ids)
	reg := NewCashRegisterState()
	reg.SeedStartReceipt(rec)
	if err := ids.Add(rec.ReceiptID); err != nil {
		return nil, err
	}
	c.registers = append(c.registers, reg)
	return c, nil
}

// Len returns the number of registers.
func (c *ClusterState) Len() int { return len(c.registers) }

// UsedReceiptIDs returns the cluster's ID index.
func (c *ClusterState) UsedReceiptIDs() UsedReceiptIDs { return c.ids }

// CashRegister returns the register at idx. Changes to it are changes to
// the cluster.
func (c *ClusterState) CashRegister(idx int) (*CashRegisterState, error) {
	if idx < 0 || idx >= len(c.registers) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrInvalidRegisterIndex, idx, len(c.registers))
	}
	return c.registers[idx], nil
}

// CashRegisters returns the registers in order.
func (c *ClusterState) CashRegisters() []*CashRegisterState {
	return slices.Clone(c.registers)
}

// AddCashRegister appends a blank register and returns its index.
func (c *ClusterState) AddCashRegister() int {
	c.registers = append(c.registers, NewCashRegisterState())
	return len(c.registers) - 1
}

// ResetCashRegister replaces the register at idx with a blank one. The used
// receipt IDs of its old chain stay recorded.
func (c *ClusterState) ResetCashRegister(idx int) error {
	if _, err := c.CashRegister(idx); err != nil {
		return err
	}
	c.registers[idx] = NewCashRegisterState()
	return nil
}

// DeleteCashRegister removes the register at idx. Registers after it move
// down by one position. Since a register's first receipt chains over the
// start receipt of the register before it, deleting a register changes the
// expected chain of the register that takes its place.
func (c *ClusterState) DeleteCashRegister(idx int) error {
	if _, err := c.CashRegister(idx); err != nil {
		return err
	}
	c.registers = slices.Delete(c.registers, idx, idx+1)
	return nil
}

// CopyCashRegister overwrites the register at dst with a copy of register
// srcIdx of src. The copy is not verified. Both clusters must use the same
// ID backend.
func (c *ClusterState) CopyCashRegister(dst int, src *ClusterState, srcIdx int) error {
	if _, err := c.CashRegister(dst); err != nil {
		return err
	}
	reg, err := src.CashRegister(srcIdx)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if src.ids.Backend() != c.ids.Backend() {
		return fmt.Errorf("%w: %s and %s", ErrBackendMismatch, c.ids.Backend(), src.ids.Backend())
	}
	c.registers[dst] = reg.Clone()
	return nil
}

// ReadUsedReceiptIDs replaces the used receipt IDs with ids.
func (c *ClusterState) ReadUsedReceiptIDs(ids []string) error {
	return c.ids.BulkLoad(ids)
}

// prevStart returns the start receipt the first receipt of register idx
// chains over, or nil.
func (c *ClusterState) prevStart(idx int) *string {
	if idx <= 0 {
		return nil
	}
	return c.registers[idx-1].StartReceiptJWS
}

// Validate checks the invariants of every register.
func (c *ClusterState) Validate() error {
	for i, reg := range c.registers {
		if err := reg.Validate(); err != nil {
			return fmt.Errorf("cash register %d: %w", i, err)
		}
	}
	return nil
}

// Close releases the ID index. Uncommitted changes are discarded.
func (c *ClusterState) Close() error { return c.ids.Close() }
