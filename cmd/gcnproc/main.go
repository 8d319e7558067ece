// Command gcnproc runs the GPU command processor and shader translation
// core, and offers standalone GCN/SPIR-V disassembly for offline
// debugging.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpcsx-go/gcnproc/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "gcnproc",
		Short: "PM4 command processor and GCN-to-SPIR-V shader translator",
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newDisasmCommand())
	root.AddCommand(newSpirvDisCommand())
	root.AddCommand(newReplCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configFromFlags(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	if v, err := cmd.Flags().GetString("shm-path"); err == nil && cmd.Flags().Changed("shm-path") {
		cfg.ShmPath = v
	}
	if v, err := cmd.Flags().GetInt("gpu-index"); err == nil && cmd.Flags().Changed("gpu-index") {
		cfg.GPUIndex = v
	}
	if v, err := cmd.Flags().GetBool("validation"); err == nil && cmd.Flags().Changed("validation") {
		cfg.ValidationLayers = v
	}
	if v, err := cmd.Flags().GetString("present-mode"); err == nil && cmd.Flags().Changed("present-mode") {
		cfg.PresentMode = v
	}
	if v, err := cmd.Flags().GetBool("persist-shader-cache"); err == nil && cmd.Flags().Changed("persist-shader-cache") {
		cfg.PersistShaderCache = v
	}
	if v, err := cmd.Flags().GetString("persist-cache-dir"); err == nil && cmd.Flags().Changed("persist-cache-dir") {
		cfg.PersistCacheDir = v
	}

	return config.ApplyEnv(cfg)
}

func addConfigFlags(cmd *cobra.Command) {
	def := config.Default()
	cmd.Flags().String("shm-path", def.ShmPath, "POSIX shared-memory path prefix for the command bridge")
	cmd.Flags().Int("gpu-index", def.GPUIndex, "preferred physical device index (-1 to auto-select)")
	cmd.Flags().Bool("validation", def.ValidationLayers, "enable Vulkan validation layers")
	cmd.Flags().String("present-mode", def.PresentMode, "swapchain present mode (fifo, mailbox, immediate)")
	cmd.Flags().Bool("persist-shader-cache", def.PersistShaderCache, "persist compiled shaders to disk across runs")
	cmd.Flags().String("persist-cache-dir", def.PersistCacheDir, "directory for the on-disk shader cache")
}
