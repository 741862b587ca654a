package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tphakala/dspfirmware/internal/conf"
	"github.com/tphakala/dspfirmware/internal/logging"
	"github.com/tphakala/dspfirmware/internal/pipeline"
)

// builtinDriverIDs names the fixed UUIDs the demo topology and the registry
// agree on when no topology file is given.
var (
	driverHost = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	driverGain = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	driverDAI  = uuid.MustParse("00000000-0000-0000-0000-000000000003")
)

// RunCommand builds the "run" subcommand: load a topology (or synthesize the
// built-in host -> gain -> dai demo), schedule it, and run until the
// duration elapses or a signal arrives, in the style of the teacher's
// audiocore-test main loop.
func RunCommand(settings *conf.Settings) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline scheduler against a topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(settings, duration)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "How long to run before stopping")
	return cmd
}

func runSimulation(settings *conf.Settings, duration time.Duration) error {
	logging.Init()
	if settings.Debug {
		logging.SetLevel(slog.LevelDebug)
	}
	logger := logging.ForService("pipelinesim")

	registry := pipeline.NewDriverRegistry()
	registerBuiltinDrivers(registry)

	handler := pipeline.NewHandler(registry)

	var doc *pipeline.TopologyDocument
	if settings.Topology.Path != "" {
		data, err := os.ReadFile(settings.Topology.Path)
		if err != nil {
			return fmt.Errorf("read topology %s: %w", settings.Topology.Path, err)
		}
		doc, err = pipeline.ParseTopology(data)
		if err != nil {
			return fmt.Errorf("parse topology: %w", err)
		}
	} else {
		logger.Info("no --topology given, running the built-in host->gain->dai demo")
		doc = demoTopology(settings)
	}

	if err := handler.LoadTopology(doc); err != nil {
		return fmt.Errorf("load topology: %w", err)
	}

	metrics := pipeline.DefaultMetricsCollector()
	sched := pipeline.NewScheduler(pipeline.SchedulerConfig{
		XrunRecoveryLimit: settings.Pipeline.XrunRecoveryLimit,
	}, metrics)

	for _, tp := range doc.Pipelines {
		if err := handler.Trigger(tp.ID, "PREPARE"); err != nil {
			return fmt.Errorf("prepare pipeline %s: %w", tp.ID, err)
		}
		if err := handler.Trigger(tp.ID, "START"); err != nil {
			return fmt.Errorf("start pipeline %s: %w", tp.ID, err)
		}
	}

	for _, tp := range doc.Pipelines {
		p, err := handler.Pipeline(tp.ID)
		if err != nil {
			return fmt.Errorf("lookup pipeline %s: %w", tp.ID, err)
		}
		if err := sched.AddPipeline(p); err != nil {
			return fmt.Errorf("schedule pipeline %s: %w", tp.ID, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, duration)
	defer cancelTimeout()

	logger.Info("pipeline running", "duration", duration, "pipelines", len(doc.Pipelines))
	sched.Run(ctx)
	logger.Info("pipeline stopped")

	return nil
}

func registerBuiltinDrivers(registry *pipeline.DriverRegistry) {
	_ = registry.Register(driverHost, func() (pipeline.Driver, error) {
		return &pipeline.HostDriver{}, nil
	})
	_ = registry.Register(driverGain, func() (pipeline.Driver, error) {
		return &pipeline.ModuleAdapter{
			NewModule: func() (pipeline.Module, error) {
				return pipeline.NewGainModule(0.5), nil
			},
		}, nil
	})
	_ = registry.Register(driverDAI, func() (pipeline.Driver, error) {
		return &pipeline.DAIDriver{}, nil
	})
}

// demoTopology builds a one-pipeline host -> gain -> dai playback chain at
// 48kHz stereo 16-bit, with a 1ms LL period, entirely in memory.
func demoTopology(settings *conf.Settings) *pipeline.TopologyDocument {
	pipelineID := uuid.New()
	hostID := uuid.New()
	gainID := uuid.New()
	daiID := uuid.New()
	bufHostGain := uuid.New()
	bufGainDAI := uuid.New()

	periodUs := int64(settings.Pipeline.SchedulePeriodMs) * 1000
	if periodUs <= 0 {
		periodUs = 1000
	}

	format := pipeline.SampleFormat{
		Rate:           48000,
		Channels:       2,
		ContainerBytes: 2,
		ValidBits:      16,
		SampleType:     pipeline.SampleTypeInt,
	}
	frameSize := format.FrameSize()
	framesPerPeriod := int(periodUs) * format.Rate / 1_000_000
	if framesPerPeriod <= 0 {
		framesPerPeriod = 1
	}
	periodBytes := framesPerPeriod * frameSize
	bufCapacity := periodBytes * 4
	if bufCapacity%frameSize != 0 {
		bufCapacity += frameSize - bufCapacity%frameSize
	}

	doc := &pipeline.TopologyDocument{
		Pipelines: []pipeline.TopologyPipeline{{
			ID:         pipelineID,
			Core:       0,
			Priority:   0,
			DeadlineUs: periodUs,
			PeriodUs:   periodUs,
			TimeDomain: "timer",
			Direction:  "playback",
			// For a playback pipeline the traversal starts at the producer
			// (HOST) and follows sink-buffer attachments downstream to DAI.
			EndpointID: hostID,
		}},
		Components: []pipeline.TopologyComponent{
			{ID: hostID, Pipeline: pipelineID, DriverID: driverHost, Type: pipeline.TypeHost},
			{ID: gainID, Pipeline: pipelineID, DriverID: driverGain, Type: pipeline.TypeGain},
			{ID: daiID, Pipeline: pipelineID, DriverID: driverDAI, Type: pipeline.TypeDAI},
		},
		Buffers: []pipeline.TopologyBuffer{
			{ID: bufHostGain, Pipeline: pipelineID, CapacityBytes: bufCapacity, Alignment: frameSize,
				Rate: format.Rate, Channels: format.Channels, Container: format.ContainerBytes,
				ValidBits: format.ValidBits, SampleType: format.SampleType},
			{ID: bufGainDAI, Pipeline: pipelineID, CapacityBytes: bufCapacity, Alignment: frameSize,
				Rate: format.Rate, Channels: format.Channels, Container: format.ContainerBytes,
				ValidBits: format.ValidBits, SampleType: format.SampleType},
		},
		Routes: []pipeline.TopologyRoute{
			{ConnID: uuid.New(),
				Source: pipeline.RouteEnd{ComponentID: hostID},
				Sink:   pipeline.RouteEnd{BufferID: bufHostGain}},
			{ConnID: uuid.New(),
				Source: pipeline.RouteEnd{BufferID: bufHostGain},
				Sink:   pipeline.RouteEnd{ComponentID: gainID}},
			{ConnID: uuid.New(),
				Source: pipeline.RouteEnd{ComponentID: gainID},
				Sink:   pipeline.RouteEnd{BufferID: bufGainDAI}},
			{ConnID: uuid.New(),
				Source: pipeline.RouteEnd{BufferID: bufGainDAI},
				Sink:   pipeline.RouteEnd{ComponentID: daiID}},
		},
	}
	return doc
}
