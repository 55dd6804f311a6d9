package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/karasz/rkstate"
)

var log = logging.Logger("cmd")

const rkstateShortDescription = "Manage the verification state of a cluster of cash registers"

const rkstateLongDescription = `
rkstate keeps the verification state of a cluster of cash registers in a state
file: the last verified receipt and turnover counter of each register and the
receipt IDs used across the cluster. DEP exports are verified against that
state and folded into it.
`

// ExecuteContext runs the command line and returns the process exit code.
// A malformed invocation prints the usage and exits with 0.
func ExecuteContext(ctx context.Context) int {
	return execute(ctx, NewRootCmd(), os.Args[1:])
}

func execute(ctx context.Context, root *cobra.Command, args []string) int {
	root.SetArgs(args)
	_, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	var ue *usageError
	if errors.As(err, &ue) {
		fmt.Fprintln(ue.cmd.ErrOrStderr(), ue.err)
		fmt.Fprint(ue.cmd.ErrOrStderr(), ue.cmd.UsageString())
		return 0
	}
	log.Debugw("command failed", "err", err)
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	return 1
}

// usageError marks a malformed invocation.
type usageError struct {
	cmd *cobra.Command
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

func usagef(cmd *cobra.Command, format string, args ...any) error {
	return &usageError{cmd: cmd, err: fmt.Errorf(format, args...)}
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{cmd: cmd, err: err}
		}
		return nil
	}
}

func rangeArgs(minArgs, maxArgs int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(minArgs, maxArgs)(cmd, args); err != nil {
			return &usageError{cmd: cmd, err: err}
		}
		return nil
	}
}

// app carries the state shared by all commands of one invocation.
type app struct {
	v         *viper.Viper
	cfgFile   string
	logLevel  string
	statePath string
	cfg       rkstate.Config
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "rkstate",
		Short:         rkstateShortDescription,
		Long:          rkstateLongDescription,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{cmd: cmd, err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file path")
	pf.StringVar(&a.logLevel, "log-level", "", "logging level")
	pf.StringVar(&a.statePath, "state", "state.json", "cluster state file")

	pf.String("backend", string(rkstate.BackendMemory), "used receipt ids backend of new states (memory, sqlite, leveldb, file)")
	cobra.CheckErr(a.v.BindPFlag("state.receipt_ids", pf.Lookup("backend")))
	pf.String("backend-path", "", "location of an external used receipt ids backend")
	cobra.CheckErr(a.v.BindPFlag("state.receipt_ids_path", pf.Lookup("backend-path")))

	pf.Int("chunk-size", rkstate.DefaultChunkSize, "receipts read from an export at once")
	cobra.CheckErr(a.v.BindPFlag("dep.chunksize", pf.Lookup("chunk-size")))
	pf.String("counter-policy", string(rkstate.CounterPolicyExact), "turnover counter policy (exact, monotonic)")
	cobra.CheckErr(a.v.BindPFlag("verify.counter_policy", pf.Lookup("counter-policy")))
	pf.Bool("strict-start-receipt", false, "require a start receipt without turnover")
	cobra.CheckErr(a.v.BindPFlag("verify.strict_start_receipt", pf.Lookup("strict-start-receipt")))
	pf.Bool("require-key", false, "reject receipts with a turnover counter when no key is given")
	cobra.CheckErr(a.v.BindPFlag("verify.require_key", pf.Lookup("require-key")))
	pf.String("key-store", "", "key store with the public keys of closed systems and an optional AES key")
	cobra.CheckErr(a.v.BindPFlag("verify.key_store", pf.Lookup("key-store")))

	root.AddCommand(
		a.createCmd(),
		a.showCmd(),
		a.addCmd(),
		a.resetCmd(),
		a.deleteCmd(),
		a.copyCmd(),
		a.updateCmd(),
		a.setLastReceiptCmd(),
		a.setLastCounterCmd(),
		a.setChainNextToCmd(),
		a.toggleRestoreCmd(),
		a.setStartReceiptCmd(),
		a.readIDsCmd(),
		a.fromReceiptCmd(),
		a.fromStartReceiptCmd(),
	)
	return root
}

func (a *app) init() error {
	if a.logLevel != "" {
		ll, err := logging.LevelFromString(a.logLevel)
		if err != nil {
			return err
		}
		logging.SetAllLoggers(ll)
	} else {
		logging.SetLogLevel("rkstate", "warn")
		logging.SetLogLevel("rkstate/receiptids", "warn")
		logging.SetLogLevel("cmd", "info")
	}

	a.v.AutomaticEnv()
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.SetEnvPrefix("RKSV")
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	a.cfg = rkstate.DefaultConfig()
	if err := a.v.Unmarshal(&a.cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return a.cfg.Validate()
}

// withState loads the state file, runs fn and saves the state if fn
// succeeds. Nothing is written on failure.
func (a *app) withState(fn func(c *rkstate.ClusterState) error) (err error) {
	c, err := rkstate.LoadFile(a.statePath, "")
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, c.Close()) }()
	if err := fn(c); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return c.SaveFile(a.statePath)
}

// withRegister is withState for commands that edit a single register.
func (a *app) withRegister(idx int, fn func(reg *rkstate.CashRegisterState) error) error {
	return a.withState(func(c *rkstate.ClusterState) error {
		reg, err := c.CashRegister(idx)
		if err != nil {
			return err
		}
		return fn(reg)
	})
}

// save writes a newly built state and releases it.
func (a *app) save(c *rkstate.ClusterState) error {
	return errors.Join(c.SaveFile(a.statePath), c.Close())
}

func (a *app) openIDs() (rkstate.UsedReceiptIDs, error) {
	return rkstate.OpenUsedReceiptIDs(a.cfg.State.ReceiptIDs, a.cfg.State.ReceiptIDsPath)
}

func parseIndex(cmd *cobra.Command, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, usagef(cmd, "invalid cash register index %q", s)
	}
	return n, nil
}

// strOrNone maps the literal None to nil.
func strOrNone(s string) *string {
	if s == "None" {
		return nil
	}
	return &s
}

// readKeyStore loads the configured key store, if any.
func (a *app) readKeyStore() (rkstate.MapKeyStore, []byte, error) {
	if a.cfg.Verify.KeyStore == "" {
		return nil, nil, nil
	}
	f, err := os.Open(a.cfg.Verify.KeyStore)
	if err != nil {
		return nil, nil, fmt.Errorf("read key store: %w", err)
	}
	defer f.Close()
	return rkstate.ReadKeyStore(f)
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return rkstate.LoadBase64Key(data)
}
