package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpcsx-go/gcnproc/internal/gcndecode"
)

func newDisasmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disasm <file>",
		Short: "disassemble a raw GCN shader binary to text",
		Args:  cobra.ExactArgs(1),
		RunE:  runDisasm,
	}
}

func runDisasm(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("gcnproc: %w", err)
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("gcnproc: %s is not a whole number of 32-bit words", args[0])
	}

	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	space := gcndecode.WordSlice(words)
	out := cmd.OutOrStdout()
	for pc := uint32(0); pc < uint32(len(words)); {
		instr := gcndecode.Decode(space, pc)
		fmt.Fprintf(out, "%04X: %s %+v\n", pc, instr.Class, instr)
		pc += instr.Words
		if instr.IsTerminator() {
			fmt.Fprintln(out, "-- basic block end --")
		}
	}
	return nil
}
