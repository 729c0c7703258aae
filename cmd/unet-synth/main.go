// Command unet-synth writes a generated crater dataset in the folder layout
// unet-train reads with -data.
//
//	unet-synth -out ./data -samples 200 -size 64
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/tsawler/go-unet/synthetic"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("unet-synth", flag.ContinueOnError)
	var (
		out      = fs.String("out", "data", "output directory")
		samples  = fs.Int("samples", 100, "training tiles; the validation split gets a quarter")
		size     = fs.Int("size", 64, "tile edge in pixels")
		channels = fs.Int("channels", 1, "1 for grayscale, 3 for RGB")
		seed     = fs.Int64("seed", 42, "random seed")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *samples <= 0 {
		return fmt.Errorf("samples must be positive, got %d", *samples)
	}

	cfg := synthetic.DefaultConfig()
	cfg.Size = *size
	cfg.Channels = *channels
	cfg.MaxRadius = min(cfg.MaxRadius, float64(*size)/4)
	cfg.MinRadius = min(cfg.MinRadius, cfg.MaxRadius)

	valid := max(1, *samples/4)
	if err := synthetic.Export(*out, cfg, *samples, valid, *seed); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %d train and %d valid tiles to %s\n", *samples, valid, *out)
	return nil
}
