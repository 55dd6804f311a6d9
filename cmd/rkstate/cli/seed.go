package cli

import (
	"errors"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/karasz/rkstate"
)

func formatNames() string {
	return strings.Join(lo.Map(rkstate.Formats, func(f rkstate.Format, _ int) string { return string(f) }), ", ")
}

func parseFormat(cmd *cobra.Command, s string) (rkstate.Format, error) {
	f := rkstate.Format(s)
	if !lo.Contains(rkstate.Formats, f) {
		return "", usagef(cmd, "input format must be one of %s", formatNames())
	}
	return f, nil
}

func (a *app) fromReceiptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "from-receipt <format> <receipt> [<base64 AES key file>]",
		Short: "Create a cluster state seeded from an arbitrary receipt",
		Long: `Create a cluster state with one cash register whose chain continues from the
given receipt. The receipt is not verified. Without a key file the turnover
counter starts at 0. Formats: jws, qr, ocr, csv.`,
		Args: rangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(cmd, args[0])
			if err != nil {
				return err
			}
			var key []byte
			if len(args) == 3 {
				if key, err = readKeyFile(args[2]); err != nil {
					return err
				}
			}
			rec, err := rkstate.ParseReceipt(format, args[1])
			if err != nil {
				return err
			}
			ids, err := a.openIDs()
			if err != nil {
				return err
			}
			c, err := rkstate.FromArbitraryReceipt(rec, key, ids)
			if err != nil {
				return errors.Join(err, ids.Close())
			}
			return a.save(c)
		},
	}
}

func (a *app) fromStartReceiptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "from-start-receipt <format> <receipt>",
		Short: "Create a cluster state whose first register has the given start receipt",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(cmd, args[0])
			if err != nil {
				return err
			}
			rec, err := rkstate.ParseReceipt(format, args[1])
			if err != nil {
				return err
			}
			ids, err := a.openIDs()
			if err != nil {
				return err
			}
			c, err := rkstate.FromArbitraryStartReceipt(rec, ids)
			if err != nil {
				return errors.Join(err, ids.Close())
			}
			return a.save(c)
		},
	}
}
