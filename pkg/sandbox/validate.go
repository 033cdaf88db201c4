package sandbox

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/mineflare/agent/pkg/result"
)

// Metadata is the static description extracted from a program without
// invoking its run handler: its declared name, version, requested
// capabilities, and default arguments.
type Metadata struct {
	Name         string
	Version      string
	Capabilities []result.Capability
	Defaults     map[string]interface{}
}

// Validate compiles source and evaluates it top-level only — it never
// calls the run handler — to confirm it produces a well-formed program
// definition, within validateTimeout. This is the pre-execution check
// the registry runs before persisting a new program.
func Validate(source string, validateTimeout time.Duration) (*Metadata, *result.Error) {
	prg, err := goja.Compile("program.js", source, false)
	if err != nil {
		return nil, result.NewError(result.KindInvalidArgument, fmt.Sprintf("program failed to compile: %v", err))
	}

	vm := goja.New()
	installRestrictedGlobals(vm)

	done := make(chan struct{})
	var topLevel goja.Value
	var runErr error
	go func() {
		defer close(done)
		topLevel, runErr = vm.RunProgram(prg)
	}()

	timeout := validateTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		vm.Interrupt(interruptTimeout{})
		<-done
		return nil, result.NewError(result.KindTimeout, "program validation timed out")
	}

	if runErr != nil {
		return nil, WrapException(runErr)
	}

	def, err := resolveProgramDefinition(vm, topLevel)
	if err != nil {
		return nil, result.NewError(result.KindInvalidArgument, err.Error())
	}

	meta := &Metadata{Name: def.Name, Version: def.Version, Defaults: map[string]interface{}{}}
	if obj := topLevel.ToObject(vm); obj != nil {
		if defVal := obj.Get("defaults"); defVal != nil && !goja.IsUndefined(defVal) {
			if m, ok := defVal.Export().(map[string]interface{}); ok {
				meta.Defaults = m
			}
		}
		if capsVal := obj.Get("capabilities"); capsVal != nil && !goja.IsUndefined(capsVal) {
			if arr, ok := capsVal.Export().([]interface{}); ok {
				for _, c := range arr {
					if s, ok := c.(string); ok {
						cap := result.Capability(s)
						if !result.ValidCapability(cap) {
							return nil, result.NewError(result.KindInvalidArgument,
								fmt.Sprintf("unknown capability %q requested by program", s))
						}
						meta.Capabilities = append(meta.Capabilities, cap)
					}
				}
			}
		}
	}

	return meta, nil
}
