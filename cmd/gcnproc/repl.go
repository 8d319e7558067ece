package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rpcsx-go/gcnproc/internal/gcndecode"
)

func newReplCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "interactive GCN disassembly prompt (type hex words, one instruction at a time)",
		RunE:  runRepl,
	}
}

// runRepl puts stdin into raw mode the same way the teacher's terminal
// host does for its line-edited console, so backspace/arrow handling
// matches a real shell even though this prompt only reads hex words.
func runRepl(cmd *cobra.Command, args []string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return replLoop(cmd, os.Stdin)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("gcnproc: repl: %w", err)
	}
	defer term.Restore(fd, oldState)

	t := term.NewTerminal(os.Stdin, "gcn> ")
	return replLoopTerminal(cmd, t)
}

func replLoop(cmd *cobra.Command, r *os.File) error {
	scanner := bufio.NewScanner(r)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "enter space-separated hex GCN words, or 'quit'")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "quit" || line == "exit" {
			return nil
		}
		disassembleLine(out, line)
	}
	return scanner.Err()
}

func replLoopTerminal(cmd *cobra.Command, t *term.Terminal) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "enter space-separated hex GCN words, or 'quit'")
	for {
		line, err := t.ReadLine()
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "quit" || line == "exit" {
			return nil
		}
		disassembleLine(out, line)
	}
}

func disassembleLine(out interface{ Write([]byte) (int, error) }, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	words := make([]uint32, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimPrefix(strings.ToLower(f), "0x")
		v, err := strconv.ParseUint(f, 16, 32)
		if err != nil {
			fmt.Fprintf(out, "skipping %q: %v\n", f, err)
			continue
		}
		words = append(words, uint32(v))
	}
	space := gcndecode.WordSlice(words)
	for pc := uint32(0); pc < uint32(len(words)); {
		instr := gcndecode.Decode(space, pc)
		fmt.Fprintf(out, "%04X: %s %+v\n", pc, instr.Class, instr)
		pc += instr.Words
	}
}
