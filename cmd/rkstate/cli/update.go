package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/karasz/rkstate"
)

func (a *app) updateCmd() *cobra.Command {
	var showProgress bool
	cmd := &cobra.Command{
		Use:   "update <n> <dep export file> [<base64 AES key file>]",
		Short: "Verify a DEP export and apply it to cash register n",
		Long: `Verify the receipts of a DEP export in order and apply them to cash register
n. With a key file the turnover counter of every receipt is decrypted and
checked. Receipts of groups without a signature certificate are verified
with the keys of --key-store, whose AES key is used if no key file is given.
The state file is only written if every receipt verifies.`,
		Args: rangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(cmd, args[0])
			if err != nil {
				return err
			}
			var key []byte
			if len(args) == 3 {
				if key, err = readKeyFile(args[2]); err != nil {
					return err
				}
			}
			keys, storeKey, err := a.readKeyStore()
			if err != nil {
				return err
			}
			if key == nil {
				key = storeKey
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			opts := rkstate.IngestOptions{Verify: a.cfg.VerifyOptions()}
			if keys != nil {
				opts.Verify.Keys = keys
			}
			var bar *progressbar.ProgressBar
			if showProgress {
				bar = progressbar.NewOptions(-1,
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetDescription("Verifying receipts"),
					progressbar.OptionShowCount(),
					progressbar.OptionSetWidth(30),
					progressbar.OptionOnCompletion(func() {
						_, _ = fmt.Fprint(cmd.ErrOrStderr(), "\n")
					}),
				)
				opts.OnChunk = func(s rkstate.IngestStats) { _ = bar.Set(s.Receipts) }
			}

			var stats rkstate.IngestStats
			err = a.withState(func(c *rkstate.ClusterState) error {
				parser := rkstate.NewExportParser(f, a.cfg.DEP.ChunkSize)
				stats, err = c.Ingest(cmd.Context(), idx, parser, key, opts)
				return err
			})
			if bar != nil {
				_ = bar.Finish()
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verified %s receipts in %s groups\n",
				humanize.Comma(int64(stats.Receipts)), humanize.Comma(int64(stats.Groups)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showProgress, "progress", false, "show a progress bar")
	return cmd
}
