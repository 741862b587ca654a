package pipeline

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Built-in drivers and modules exercise the runtime end-to-end without a
// real codec or DMA engine: a HOST source that writes a synthetic ramp, a
// DAI sink that discards (but counts) frames, a TONE source generating a
// sine wave, and a GAIN module hosted by a ModuleAdapter. These stand in
// for the "concrete DSP algorithms" spec §1 explicitly treats as external
// plug-ins; they exist so cmd/pipelinesim has something to schedule.

// HostDriver is a TypeHost component: the host side of a playback pipeline,
// writing synthetic int16 samples into its single sink buffer each Copy.
type HostDriver struct {
	phase int
}

func (d *HostDriver) Init(c *Component) error   { return nil }
func (d *HostDriver) Params(c *Component, f SampleFormat) error { return nil }
func (d *HostDriver) Prepare(c *Component) error {
	if len(c.Sinks) != 1 {
		return fmt.Errorf("host driver requires exactly one sink, component %s has %d", c.ID, len(c.Sinks))
	}
	return nil
}
func (d *HostDriver) Trigger(c *Component, t Trigger) error { return nil }

func (d *HostDriver) Copy(c *Component) error {
	sink := c.Sinks[0]
	frameSize := sink.Format.FrameSize()
	frames := sink.Free() / frameSize
	if frames == 0 {
		return PathStop
	}
	parts := sink.peekWrite(frames * frameSize)
	for _, p := range parts {
		for i := 0; i+1 < len(p); i += 2 {
			binary.LittleEndian.PutUint16(p[i:i+2], uint16(int16(d.phase)))
			d.phase = (d.phase + 137) % 32768
		}
	}
	return sink.Produce(frames * frameSize)
}

func (d *HostDriver) Reset(c *Component) error { d.phase = 0; return nil }
func (d *HostDriver) Cmd(c *Component, op CmdOp, key string, value any) (any, error) {
	return nil, nil
}
func (d *HostDriver) Free(c *Component) error { return nil }

// DAIDriver is a TypeDAI component: the hardware-facing sink of a playback
// pipeline, draining its source buffer and counting frames played.
type DAIDriver struct {
	FramesPlayed int64
}

func (d *DAIDriver) Init(c *Component) error                    { return nil }
func (d *DAIDriver) Params(c *Component, f SampleFormat) error  { return nil }
func (d *DAIDriver) Prepare(c *Component) error {
	if len(c.Sources) != 1 {
		return fmt.Errorf("dai driver requires exactly one source, component %s has %d", c.ID, len(c.Sources))
	}
	return nil
}
func (d *DAIDriver) Trigger(c *Component, t Trigger) error { return nil }

func (d *DAIDriver) Copy(c *Component) error {
	src := c.Sources[0]
	n := src.Available()
	if n == 0 {
		return PathStop
	}
	if err := src.Consume(n); err != nil {
		return err
	}
	d.FramesPlayed += int64(n / src.Format.FrameSize())
	return nil
}

func (d *DAIDriver) Reset(c *Component) error { d.FramesPlayed = 0; return nil }
func (d *DAIDriver) Cmd(c *Component, op CmdOp, key string, value any) (any, error) {
	if op == CmdGetValue && key == "frames_played" {
		return d.FramesPlayed, nil
	}
	return nil, nil
}
func (d *DAIDriver) Free(c *Component) error { return nil }

// ToneDriver is a TypeTone component: a pure source generating a sine wave
// into its sink buffer, used to exercise a pipeline without a HOST copier.
type ToneDriver struct {
	FrequencyHz float64
	AmplitudeDB float64
	sampleIndex int64
}

func (d *ToneDriver) Init(c *Component) error { return nil }
func (d *ToneDriver) Params(c *Component, f SampleFormat) error { return nil }
func (d *ToneDriver) Prepare(c *Component) error {
	if len(c.Sinks) != 1 {
		return fmt.Errorf("tone driver requires exactly one sink, component %s has %d", c.ID, len(c.Sinks))
	}
	if d.FrequencyHz <= 0 {
		d.FrequencyHz = 440
	}
	return nil
}
func (d *ToneDriver) Trigger(c *Component, t Trigger) error { return nil }

func (d *ToneDriver) Copy(c *Component) error {
	sink := c.Sinks[0]
	frameSize := sink.Format.FrameSize()
	frames := sink.Free() / frameSize
	if frames == 0 {
		return PathStop
	}
	amplitude := math.Pow(10, d.AmplitudeDB/20) * 32767
	rate := float64(sink.Format.Rate)

	parts := sink.peekWrite(frames * frameSize)
	written := 0
	for _, p := range parts {
		for off := 0; off+1 < len(p); off += 2 {
			t := float64(d.sampleIndex) / rate
			sample := int16(amplitude * math.Sin(2*math.Pi*d.FrequencyHz*t))
			binary.LittleEndian.PutUint16(p[off:off+2], uint16(sample))
			d.sampleIndex++
			written += 2
		}
	}
	return sink.Produce(written)
}

func (d *ToneDriver) Reset(c *Component) error { d.sampleIndex = 0; return nil }
func (d *ToneDriver) Cmd(c *Component, op CmdOp, key string, value any) (any, error) {
	switch {
	case op == CmdSetValue && key == "frequency_hz":
		if f, ok := value.(float64); ok {
			d.FrequencyHz = f
		}
	case op == CmdGetValue && key == "frequency_hz":
		return d.FrequencyHz, nil
	}
	return nil, nil
}
func (d *ToneDriver) Free(c *Component) error { return nil }

// GainModule is a ModeAudioStream, DomainLL module applying a fixed linear
// gain coefficient to int16 samples, hosted by a ModuleAdapter under a
// TypeGain component.
type GainModule struct {
	BaseModule
	Coefficient float64
}

// NewGainModule returns a Module with the AUDIO_STREAM/LL mode set.
func NewGainModule(coefficient float64) *GainModule {
	return &GainModule{
		BaseModule:  BaseModule{ModeValue: ModeAudioStream, DomainValue: DomainLL},
		Coefficient: coefficient,
	}
}

func (g *GainModule) ProcessAudioStream(src, sink *Buffer, frames int) error {
	frameSize := src.Format.FrameSize()
	nBytes := frames * frameSize

	// Scale samples in place across the (possibly wrap-split) source view;
	// no intermediate scratch slice, matching spec §5's no-allocation copy
	// path the way HostDriver/ToneDriver already write in place above.
	srcParts := src.peekRead(nBytes)
	for _, p := range srcParts {
		for i := 0; i+1 < len(p); i += 2 {
			sample := int16(binary.LittleEndian.Uint16(p[i : i+2]))
			scaled := float64(sample) * g.Coefficient
			if scaled > 32767 {
				scaled = 32767
			} else if scaled < -32768 {
				scaled = -32768
			}
			binary.LittleEndian.PutUint16(p[i:i+2], uint16(int16(scaled)))
		}
	}

	// Merge-copy the scaled source parts into the sink parts; the two part
	// lists can be split at different offsets, so walk both with a cursor
	// the way buffer.go's CopyWithWrap does.
	si, so := 0, 0
	for _, dp := range sink.peekWrite(nBytes) {
		remaining := len(dp)
		off := 0
		for remaining > 0 && si < len(srcParts) {
			sp := srcParts[si]
			n := min(len(sp)-so, remaining)
			copy(dp[off:off+n], sp[so:so+n])
			off += n
			remaining -= n
			so += n
			if so == len(sp) {
				si++
				so = 0
			}
		}
	}

	if err := src.Consume(nBytes); err != nil {
		return err
	}
	return sink.Produce(nBytes)
}

func (g *GainModule) GetConfig(key string) (any, error) {
	if key == "coefficient" {
		return g.Coefficient, nil
	}
	return nil, nil
}

func (g *GainModule) SetConfig(key string, value any) error {
	if key == "coefficient" {
		if f, ok := value.(float64); ok {
			g.Coefficient = f
		}
	}
	return nil
}
