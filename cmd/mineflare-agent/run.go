package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mineflare/agent/pkg/agentlink"
	"github.com/mineflare/agent/pkg/result"
	"github.com/mineflare/agent/pkg/runner"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run NAME",
	Args:  cobra.ExactArgs(1),
	Short: "Invoke a registered program against the dry-run simulator",
	Long:  `Runs a registered program to completion and prints its terminal InvocationRecord as JSON.`,
	RunE:  runProgramRun,
}

func init() {
	runCmd.Flags().String("args", "{}", "JSON object merged over the program's defaults")
	runCmd.Flags().StringArray("arg", nil, "single key=value argument (repeatable, overrides --args)")
	runCmd.Flags().StringArray("cap", nil, "restrict the invocation to these capabilities (repeatable)")
	runCmd.Flags().Int("timeout-ms", 0, "override the configured default timeout")
	runCmd.Flags().Int64("seed", 1, "deterministic RNG seed")
	runCmd.Flags().Bool("dry-run", true, "use the in-process world simulator instead of a live agent")
}

func runProgramRun(cmd *cobra.Command, cmdArgs []string) error {
	name := cmdArgs[0]
	argsJSON, _ := cmd.Flags().GetString("args")
	capFlags, _ := cmd.Flags().GetStringArray("cap")
	timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")
	seed, _ := cmd.Flags().GetInt64("seed")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	var invocationArgs map[string]interface{}
	if err := json.Unmarshal([]byte(argsJSON), &invocationArgs); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}
	argPairs, _ := cmd.Flags().GetStringArray("arg")
	if len(argPairs) > 0 {
		parsed, err := parseArgs(argPairs)
		if err != nil {
			return err
		}
		if invocationArgs == nil {
			invocationArgs = parsed
		} else {
			for k, v := range parsed {
				invocationArgs[k] = v
			}
		}
	}

	reg, _, logger, err := openRegistry()
	if err != nil {
		return err
	}

	if !dryRun {
		return fmt.Errorf("no live agent collaborator is wired into this CLI; pass --dry-run")
	}
	sim := agentlink.NewSimulator()

	opts := runner.Options{TimeoutMs: timeoutMs, Seed: seed}
	if len(capFlags) > 0 {
		opts.Capabilities = parseCapabilities(capFlags)
	}

	logger.Info("invoking program", "program", name)
	rec, verr := reg.Run(sim, name, invocationArgs, opts)
	if verr != nil {
		return fmt.Errorf("run failed: %s", verr.Message)
	}

	out, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(out))
	if rec.Status != runner.StatusSucceeded {
		return fmt.Errorf("invocation ended with status %s", rec.Status)
	}
	return nil
}

func parseCapabilities(flags []string) []result.Capability {
	out := make([]result.Capability, 0, len(flags))
	for _, f := range flags {
		for _, c := range strings.Split(f, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				out = append(out, result.Capability(c))
			}
		}
	}
	return out
}
