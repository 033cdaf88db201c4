package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel INVOCATION_ID",
	Args:  cobra.ExactArgs(1),
	Short: "Cancel an in-flight invocation",
	Long:  `Only meaningful against a registry shared with a running "serve" process; a one-shot "run" has already finished by the time this process starts.`,
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	reg, _, _, err := openRegistry()
	if err != nil {
		return err
	}
	if verr := reg.Cancel(args[0]); verr != nil {
		return fmt.Errorf("cancel failed: %s", verr.Message)
	}
	fmt.Printf("cancelled %s\n", args[0])
	return nil
}
