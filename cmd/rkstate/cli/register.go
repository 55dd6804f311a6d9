package cli

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/karasz/rkstate"
)

func (a *app) addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Append an empty cash register",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withState(func(c *rkstate.ClusterState) error {
				idx := c.AddCashRegister()
				log.Infow("added cash register", "index", idx)
				return nil
			})
		},
	}
}

func (a *app) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <n>",
		Short: "Replace cash register n with an empty one",
		Long: `Replace cash register n with an empty one. Receipt IDs used by its old chain
stay recorded in the cluster.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(cmd, args[0])
			if err != nil {
				return err
			}
			return a.withState(func(c *rkstate.ClusterState) error {
				return c.ResetCashRegister(idx)
			})
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <n>",
		Short: "Remove cash register n",
		Long: `Remove cash register n. Registers after it move down by one index, and the
register that takes its place chains its start receipt over the start receipt
of register n-1.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(cmd, args[0])
			if err != nil {
				return err
			}
			return a.withState(func(c *rkstate.ClusterState) error {
				return c.DeleteCashRegister(idx)
			})
		},
	}
}

func (a *app) copyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "copy <n-target> <source state file> <n-source>",
		Short: "Overwrite cash register n-target with a register of another state",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := parseIndex(cmd, args[0])
			if err != nil {
				return err
			}
			srcIdx, err := parseIndex(cmd, args[2])
			if err != nil {
				return err
			}
			return a.withState(func(c *rkstate.ClusterState) (err error) {
				src, err := rkstate.LoadFile(args[1], "")
				if err != nil {
					return err
				}
				defer func() { err = errors.Join(err, src.Close()) }()
				return c.CopyCashRegister(dst, src, srcIdx)
			})
		},
	}
}

func (a *app) setLastReceiptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-last-receipt <n> <receipt in JWS format|None>",
		Short: "Override the last receipt of cash register n",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(cmd, args[0])
			if err != nil {
				return err
			}
			jws := strOrNone(args[1])
			if jws != nil {
				if _, err := rkstate.ParseJWS(*jws); err != nil {
					return err
				}
			}
			return a.withRegister(idx, func(reg *rkstate.CashRegisterState) error {
				reg.SetLastReceipt(jws)
				return nil
			})
		},
	}
}

func (a *app) setLastCounterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-last-counter <n> <counter in cents>",
		Short: "Override the turnover counter of cash register n",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(cmd, args[0])
			if err != nil {
				return err
			}
			counter, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return usagef(cmd, "invalid turnover counter %q", args[1])
			}
			return a.withRegister(idx, func(reg *rkstate.CashRegisterState) error {
				reg.LastTurnoverCounter = counter
				return nil
			})
		},
	}
}

func (a *app) setChainNextToCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-chain-next-to <n> <chaining value|None>",
		Short: "Override the chaining value the next receipt of cash register n must carry",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(cmd, args[0])
			if err != nil {
				return err
			}
			return a.withRegister(idx, func(reg *rkstate.CashRegisterState) error {
				reg.ChainNextTo = strOrNone(args[1])
				return nil
			})
		},
	}
}

func (a *app) toggleRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle-restore <n>",
		Short: "Toggle the need restore receipt flag of cash register n",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(cmd, args[0])
			if err != nil {
				return err
			}
			return a.withRegister(idx, func(reg *rkstate.CashRegisterState) error {
				reg.NeedRestoreReceipt = !reg.NeedRestoreReceipt
				return nil
			})
		},
	}
}

func (a *app) setStartReceiptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-start-receipt <n> <receipt in JWS format|None>",
		Short: "Override the start receipt of cash register n",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(cmd, args[0])
			if err != nil {
				return err
			}
			jws := strOrNone(args[1])
			if jws != nil {
				if _, err := rkstate.ParseJWS(*jws); err != nil {
					return err
				}
			}
			return a.withRegister(idx, func(reg *rkstate.CashRegisterState) error {
				reg.StartReceiptJWS = jws
				return nil
			})
		},
	}
}
