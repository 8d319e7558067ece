package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	vk "github.com/goki/vulkan"
	"github.com/spf13/cobra"

	"github.com/rpcsx-go/gcnproc/internal/cache/persist"
	"github.com/rpcsx-go/gcnproc/internal/device"
	"github.com/rpcsx-go/gcnproc/internal/diag"
	"github.com/rpcsx-go/gcnproc/internal/hostgpu"
	"github.com/rpcsx-go/gcnproc/internal/pm4"
	"github.com/rpcsx-go/gcnproc/internal/present"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the device facade and pump the command bridge",
		RunE:  runRun,
	}
	addConfigFlags(cmd)
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return fmt.Errorf("gcnproc: %w", err)
	}

	log := diag.New("gcnproc", diag.LevelInfo)

	backend, err := hostgpu.New(log, cfg.GPUIndex, cfg.ValidationLayers)
	if err != nil {
		return fmt.Errorf("gcnproc: host backend: %w", err)
	}

	swapchain, err := present.NewOffscreenSwapchain(backend, 1920, 1080, vk.FormatR8g8b8a8Srgb, 3)
	if err != nil {
		return fmt.Errorf("gcnproc: swapchain: %w", err)
	}
	presentEngine := present.NewEngine(backend, swapchain, nil)

	commandRing := pm4.NewRing(make([]uint32, cfg.RingWords))
	graphicsPipes := make([]*pm4.Pipe, cfg.GraphicsPipes)
	for i := range graphicsPipes {
		deRings := make([]*pm4.Ring, cfg.DEsPerGraphicsPipe)
		for j := range deRings {
			deRings[j] = pm4.NewRing(make([]uint32, cfg.RingWords))
		}
		ceRing := pm4.NewRing(make([]uint32, cfg.RingWords))
		graphicsPipes[i] = pm4.NewGraphicsPipe(uint8(i), ceRing, deRings, pm4.Hooks{})
	}
	computePipes := make([]*pm4.Pipe, cfg.ComputePipes)
	for i := range computePipes {
		computePipes[i] = pm4.NewComputePipe(uint8(i), []*pm4.Ring{pm4.NewRing(make([]uint32, cfg.RingWords))}, pm4.Hooks{})
	}

	dev := device.New(log, backend, presentEngine, commandRing, graphicsPipes, computePipes)

	if cfg.PersistShaderCache {
		store, err := persist.Open(log, cfg.PersistCacheDir)
		if err != nil {
			return fmt.Errorf("gcnproc: shader persistence: %w", err)
		}
		defer store.Close()
		dev.SetShaderPersistence(store)
		log.Info("shader persistence enabled at %s", cfg.PersistCacheDir)
	}

	bridge, err := device.NewBridge(cfg.ShmPath, int(cfg.RingWords)*4)
	if err != nil {
		return fmt.Errorf("gcnproc: shared-memory bridge: %w", err)
	}
	defer bridge.Close()
	dev.SetBridge(bridge)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	go logEvents(log, dev)

	log.Info("gcnproc ready: shm=%s gpu=%d pipes=%d+%d", cfg.ShmPath, cfg.GPUIndex, cfg.GraphicsPipes, cfg.ComputePipes)
	return dev.Start(ctx)
}

func logEvents(log *diag.Logger, dev *device.Device) {
	for {
		select {
		case ev, ok := <-dev.Events.Flip:
			if !ok {
				return
			}
			log.Debug("flip vm=%d arg=%#x", ev.VMID, ev.Arg)
		case _, ok := <-dev.Events.VBlank:
			if !ok {
				return
			}
		}
	}
}
