package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mineflare/agent/pkg/registry"
	"github.com/mineflare/agent/pkg/result"
	"github.com/spf13/cobra"
)

var programCmd = &cobra.Command{
	Use:   "program",
	Short: "Manage the registered program store",
}

var programAddCmd = &cobra.Command{
	Use:   "add NAME FILE",
	Args:  cobra.ExactArgs(2),
	Short: "Register a new program from a source file",
	RunE:  runProgramAdd,
}

var programUpdateCmd = &cobra.Command{
	Use:   "update NAME FILE",
	Args:  cobra.ExactArgs(2),
	Short: "Revalidate and replace an existing program's source",
	RunE:  runProgramUpdate,
}

var programRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Args:  cobra.ExactArgs(1),
	Short: "Delete a registered program",
	RunE:  runProgramRemove,
}

var programListCmd = &cobra.Command{
	Use:   "list",
	Args:  cobra.NoArgs,
	Short: "List registered programs",
	RunE:  runProgramList,
}

var programGetCmd = &cobra.Command{
	Use:   "get NAME",
	Args:  cobra.ExactArgs(1),
	Short: "Print a program's metadata and source",
	RunE:  runProgramGet,
}

func init() {
	programAddCmd.Flags().String("ext", "js", "source file extension to persist under")
	programUpdateCmd.Flags().String("ext", "", "source file extension override")

	programCmd.AddCommand(programAddCmd, programUpdateCmd, programRemoveCmd, programListCmd, programGetCmd)
}

func runProgramAdd(cmd *cobra.Command, args []string) error {
	name, path := args[0], args[1]
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	ext, _ := cmd.Flags().GetString("ext")

	reg, _, _, err := openRegistry()
	if err != nil {
		return err
	}

	meta, verr := reg.Add(name, string(source), registry.AddOptions{Ext: ext})
	if verr != nil {
		return fmt.Errorf("add failed: %s", verr.Message)
	}
	fmt.Printf("registered %q (version %s, capabilities %s)\n", meta.Name, meta.Version, joinCapabilities(meta.Capabilities))
	return nil
}

func runProgramUpdate(cmd *cobra.Command, args []string) error {
	name, path := args[0], args[1]
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	ext, _ := cmd.Flags().GetString("ext")

	reg, _, _, err := openRegistry()
	if err != nil {
		return err
	}

	meta, verr := reg.Update(name, string(source), registry.AddOptions{Ext: ext})
	if verr != nil {
		return fmt.Errorf("update failed: %s", verr.Message)
	}
	fmt.Printf("updated %q to version %s\n", meta.Name, meta.Version)
	return nil
}

func runProgramRemove(cmd *cobra.Command, args []string) error {
	reg, _, _, err := openRegistry()
	if err != nil {
		return err
	}
	if verr := reg.Remove(args[0]); verr != nil {
		return fmt.Errorf("remove failed: %s", verr.Message)
	}
	fmt.Printf("removed %q\n", args[0])
	return nil
}

func runProgramList(cmd *cobra.Command, args []string) error {
	reg, _, _, err := openRegistry()
	if err != nil {
		return err
	}
	entries := reg.List()
	if len(entries) == 0 {
		fmt.Println("no programs registered")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-24s v%-10s %s\n", e.Name, e.Version, joinCapabilities(e.Capabilities))
	}
	return nil
}

func runProgramGet(cmd *cobra.Command, args []string) error {
	reg, _, _, err := openRegistry()
	if err != nil {
		return err
	}
	meta, source, verr := reg.Get(args[0])
	if verr != nil {
		return fmt.Errorf("get failed: %s", verr.Message)
	}
	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	fmt.Println(string(metaJSON))
	fmt.Println("---")
	fmt.Println(source)
	return nil
}

func joinCapabilities(caps []result.Capability) string {
	if len(caps) == 0 {
		return "(none)"
	}
	strs := make([]string, len(caps))
	for i, c := range caps {
		strs[i] = string(c)
	}
	return strings.Join(strs, ",")
}
