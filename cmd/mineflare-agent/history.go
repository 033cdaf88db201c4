package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Args:  cobra.NoArgs,
	Short: "List recent invocation records",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of records to print, most recent first")
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	reg, _, _, err := openRegistry()
	if err != nil {
		return err
	}

	records := reg.GetHistory(limit)
	out, _ := json.MarshalIndent(records, "", "  ")
	fmt.Println(string(out))
	return nil
}
