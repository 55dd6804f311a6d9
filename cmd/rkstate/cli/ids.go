package cli

import (
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/karasz/rkstate"
)

// readIDList reads one receipt ID per line. None yields an empty list.
func readIDList(path string) ([]string, error) {
	if path == "None" {
		return []string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ids := lo.Map(strings.Split(string(data), "\n"), func(line string, _ int) string {
		return strings.TrimSpace(line)
	})
	return lo.Filter(ids, func(id string, _ int) bool { return id != "" }), nil
}

func (a *app) readIDsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read-ids <file with one receipt ID per line|None>",
		Short: "Replace the used receipt IDs of the cluster",
		Long: `Replace the used receipt IDs of the cluster with the IDs listed in a file.
None replaces them with an empty set.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := readIDList(args[0])
			if err != nil {
				return err
			}
			return a.withState(func(c *rkstate.ClusterState) error {
				return c.ReadUsedReceiptIDs(ids)
			})
		},
	}
}
