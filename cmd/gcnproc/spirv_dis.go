package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpcsx-go/gcnproc/internal/spirvcodec"
)

func newSpirvDisCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spirv-dis <file>",
		Short: "disassemble a SPIR-V module to text",
		Args:  cobra.ExactArgs(1),
		RunE:  runSpirvDis,
	}
	cmd.Flags().Bool("ids", false, "show numeric result ids alongside mnemonics")
	return cmd
}

func runSpirvDis(cmd *cobra.Command, args []string) error {
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

	if !spirvcodec.Validate(words) {
		return fmt.Errorf("gcnproc: %s failed SPIR-V header validation", args[0])
	}

	showIDs, _ := cmd.Flags().GetBool("ids")
	fmt.Fprintln(cmd.OutOrStdout(), spirvcodec.Disassemble(words, showIDs))
	return nil
}
