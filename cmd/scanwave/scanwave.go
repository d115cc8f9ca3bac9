// scanwave prints the timing of a scan configuration and writes its galvo
// waveform as CSV, without touching any hardware.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rasterlab/galvoscan"
	"gonum.org/v1/gonum/floats"
)

func describe(out io.Writer, w *galvoscan.Waveform) {
	p := w.Params
	peak := floats.Max(w.X)
	if m := -floats.Min(w.X); m > peak {
		peak = m
	}
	if m := floats.Max(w.Y); m > peak {
		peak = m
	}
	if m := -floats.Min(w.Y); m > peak {
		peak = m
	}
	fmt.Fprintf(out, "Pattern:             %s, %d x %d pixels, %d samples/pixel\n", p.ScanPattern, p.ImageSize, p.ImageSize, p.SamplesPerPixel)
	fmt.Fprintf(out, "Points per line:     %d (fill fraction %.3f)\n", p.CorrectedPointsPerLine(), p.FillFraction)
	fmt.Fprintf(out, "Samples per line:    %d\n", p.SamplesPerLine())
	fmt.Fprintf(out, "Samples per frame:   %d\n", w.Len())
	fmt.Fprintf(out, "Frame period:        %v (%.3f frames/s)\n", p.FramePeriod(), p.FrameRate())
	fmt.Fprintf(out, "Peak drive voltage:  %.4f V (limit %.4f V)\n", peak, p.MaxScannerVoltage)
	fmt.Fprintf(out, "Frames per chunk:    %d for %.3f s buffered\n",
		galvoscan.FramesPerQueueChunk(w, p.MinBufferedSeconds), p.MinBufferedSeconds)
}

func main() {
	p := galvoscan.DefaultScanParameters()
	pattern := flag.String("pattern", p.ScanPattern.String(), "scan pattern (unidirectional or bidirectional)")
	flag.IntVar(&p.ImageSize, "size", p.ImageSize, "pixels per line and lines per frame")
	flag.Float64Var(&p.ScannerAmplitude, "amplitude", p.ScannerAmplitude, "scanner amplitude (V)")
	flag.IntVar(&p.SamplesPerPixel, "spp", p.SamplesPerPixel, "samples per pixel")
	flag.Float64Var(&p.FillFraction, "ff", p.FillFraction, "fill fraction")
	flag.IntVar(&p.BidiPhaseOffset, "offset", p.BidiPhaseOffset, "bidirectional phase offset (samples)")
	flag.Float64Var(&p.SampleRate, "rate", p.SampleRate, "sample rate (samples/s)")
	flag.Float64Var(&p.MaxScannerVoltage, "maxv", p.MaxScannerVoltage, "maximum scanner voltage (V)")
	flag.Float64Var(&p.MinBufferedSeconds, "buffered", p.MinBufferedSeconds, "minimum seconds of output queued")
	outname := flag.String("out", "", "write the waveform CSV to this file (default: stdout)")
	quiet := flag.Bool("q", false, "do not print the timing summary")
	flag.Parse()

	var err error
	if p.ScanPattern, err = galvoscan.ParseScanPattern(*pattern); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	w, err := galvoscan.GenerateWaveform(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !*quiet {
		describe(os.Stderr, w)
	}

	out := os.Stdout
	if *outname != "" {
		f, err := os.Create(*outname)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	if err := galvoscan.WriteWaveformCSV(out, w, 0, 1); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
