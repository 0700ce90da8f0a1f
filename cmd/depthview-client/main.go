// Command depthview-client subscribes to a depthview point cloud stream and
// writes the received clouds as PCD files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/banshee-data/depthview/internal/depth/pcd"
	"github.com/banshee-data/depthview/internal/depth/visualiser"
)

var (
	server     = flag.String("server", "localhost:50061", "depthview gRPC address")
	serial     = flag.String("serial", "", "Only receive this camera (empty receives all)")
	outDir     = flag.String("out", ".", "Directory the PCD files are written to")
	frames     = flag.Int("frames", 1, "Number of frames to save (0 runs until interrupted)")
	every      = flag.Int("every", 1, "Save every Nth received frame")
	format     = flag.String("format", "binary", "PCD data format: ascii or binary")
	decimation = flag.String("decimation", "none", "Decimation mode: none, uniform or voxel")
	ratio      = flag.Float64("ratio", 1, "Decimation ratio in (0, 1]")
)

// snapshotOptions control what run writes.
type snapshotOptions struct {
	Dir    string
	Format pcd.Format
	Frames int
	Every  int
}

// writeSnapshot writes one PCD file per cloud of f and returns their paths.
func writeSnapshot(dir string, f *visualiser.FrameBundle, format pcd.Format) ([]string, error) {
	var paths []string
	for _, c := range f.Clouds {
		r, g, b := c.Colorful().Clamped().RGB255()
		cloud := pcd.Uniform(c.Points(), color.NRGBA{R: r, G: g, B: b, A: 0xff})

		path := filepath.Join(dir, fmt.Sprintf("%s-%06d.pcd", c.Serial, f.FrameID))
		out, err := os.Create(path)
		if err != nil {
			return paths, err
		}
		if err := pcd.Write(out, cloud, format); err != nil {
			out.Close()
			return paths, fmt.Errorf("write %s: %w", path, err)
		}
		if err := out.Close(); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// run receives frames until opts.Frames have been saved, the stream ends or
// ctx is done. It returns the number of frames saved.
func run(ctx context.Context, client *visualiser.Client, req *visualiser.StreamRequest, opts snapshotOptions) (int, error) {
	if opts.Every <= 0 {
		opts.Every = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := client.StreamFrames(ctx, req)
	if err != nil {
		return 0, err
	}

	saved, received := 0, 0
	for opts.Frames <= 0 || saved < opts.Frames {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return saved, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return saved, nil
			}
			return saved, err
		}
		received++
		if (received-1)%opts.Every != 0 {
			continue
		}
		paths, err := writeSnapshot(opts.Dir, f, opts.Format)
		if err != nil {
			return saved, err
		}
		for _, p := range paths {
			log.Printf("frame %d: wrote %s", f.FrameID, p)
		}
		saved++
	}
	return saved, nil
}

func main() {
	flag.Parse()

	pcdFormat, err := pcd.ParseFormat(*format)
	if err != nil {
		log.Fatal(err)
	}
	mode, ok := visualiser.ParseDecimation(*decimation)
	if !ok {
		log.Fatalf("unknown decimation %q", *decimation)
	}
	req := &visualiser.StreamRequest{
		Serial:          *serial,
		IncludePoints:   true,
		Decimation:      mode,
		DecimationRatio: float32(*ratio),
	}
	if err := req.Validate(); err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("failed to create %s: %v", *outDir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := visualiser.NewClient(*server)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	n, err := run(ctx, client, req, snapshotOptions{Dir: *outDir, Format: pcdFormat, Frames: *frames, Every: *every})
	if err != nil {
		log.Fatalf("stream failed after %d frames: %v", n, err)
	}
	log.Printf("saved %d frames", n)
}
