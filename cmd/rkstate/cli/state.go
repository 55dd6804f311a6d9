package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/karasz/rkstate"
)

func (a *app) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an empty cluster state",
		Long: `Create an empty cluster state, replacing the state file. The used receipt
ids backend is taken from --backend / --backend-path (or RKSV_STATE_RECEIPT_IDS
and RKSV_STATE_RECEIPT_IDS_PATH).`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := a.openIDs()
			if err != nil {
				return err
			}
			if err := a.save(rkstate.NewClusterState(ids)); err != nil {
				return err
			}
			log.Infow("created cluster state", "path", a.statePath, "backend", ids.Backend())
			return nil
		},
	}
}

type registerView struct {
	Index               int     `yaml:"index"`
	Status              string  `yaml:"status"`
	StartReceiptJWS     *string `yaml:"startReceiptJWS"`
	LastReceiptJWS      *string `yaml:"lastReceiptJWS"`
	LastTurnoverCounter int64   `yaml:"lastTurnoverCounter"`
	ChainNextTo         *string `yaml:"chainNextTo"`
	NeedRestoreReceipt  bool    `yaml:"needRestoreReceipt"`
}

type idsView struct {
	BackendType string `yaml:"backendType"`
	Count       int    `yaml:"count"`
}

type clusterView struct {
	CashRegisters  []registerView `yaml:"cashRegisters"`
	UsedReceiptIDs idsView        `yaml:"usedReceiptIds"`
}

func newClusterView(c *rkstate.ClusterState) (clusterView, error) {
	n, err := c.UsedReceiptIDs().Len()
	if err != nil {
		return clusterView{}, err
	}
	return clusterView{
		CashRegisters: lo.Map(c.CashRegisters(), func(reg *rkstate.CashRegisterState, i int) registerView {
			return registerView{
				Index:               i,
				Status:              reg.Status().String(),
				StartReceiptJWS:     reg.StartReceiptJWS,
				LastReceiptJWS:      reg.LastReceiptJWS,
				LastTurnoverCounter: reg.LastTurnoverCounter,
				ChainNextTo:         reg.ChainNextTo,
				NeedRestoreReceipt:  reg.NeedRestoreReceipt,
			}
		}),
		UsedReceiptIDs: idsView{BackendType: string(c.UsedReceiptIDs().Backend()), Count: n},
	}, nil
}

func printField(w io.Writer, name string, value any) {
	fmt.Fprintf(w, "%25s: %v\n", name, value)
}

func optional(s *string) string {
	if s == nil {
		return "None"
	}
	return *s
}

func printClusterView(w io.Writer, v clusterView) {
	for _, reg := range v.CashRegisters {
		fmt.Fprintf(w, "Cash Register %d:\n", reg.Index)
		printField(w, "Status", reg.Status)
		printField(w, "Start Receipt", optional(reg.StartReceiptJWS))
		printField(w, "Last Receipt", optional(reg.LastReceiptJWS))
		printField(w, "Last Turnover Counter", reg.LastTurnoverCounter)
		printField(w, "Chain Next To", optional(reg.ChainNextTo))
		printField(w, "Need Restore Receipt", reg.NeedRestoreReceipt)
		fmt.Fprintln(w)
	}
	printField(w, "Used Receipt IDs Backend", v.UsedReceiptIDs.BackendType)
	printField(w, "Used Receipt IDs", humanize.Comma(int64(v.UsedReceiptIDs.Count)))
}

func (a *app) showCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the cluster state",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch format {
			case "text", "yaml", "json":
			default:
				return usagef(cmd, "unknown format %q", format)
			}
			c, err := rkstate.LoadFile(a.statePath, "")
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			if format == "json" {
				_, err := c.WriteTo(out)
				return err
			}
			view, err := newClusterView(c)
			if err != nil {
				return err
			}
			if format == "yaml" {
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(view); err != nil {
					return err
				}
				return enc.Close()
			}
			printClusterView(out, view)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format (text, yaml, json)")
	return cmd
}
