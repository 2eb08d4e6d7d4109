// Command fsboot stages a boot plan into a physical memory image. It is
// the host-side driver for the staging pipeline: point it at a plan and
// either a file-backed memory window or a plain buffer, and it places
// every image, prints the resolved entry points, and (when the plan asks
// for it) runs the secondary-core handoff against a simulated register
// file.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/fsboot/internal/bootcfg"
	"github.com/tinyrange/fsboot/internal/handoff"
	"github.com/tinyrange/fsboot/internal/phys"
	"github.com/tinyrange/fsboot/internal/stage"
	"golang.org/x/term"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	planPath := fs.String("plan", "boot.yaml", "Boot plan to stage")
	outPath := fs.String("out", "", "Write the staged memory contents to this file")
	memBase := fs.Uint64("mem-base", 0, "Physical base address of the memory window")
	memSize := fs.Uint64("mem-size", 256<<20, "Size of the memory window in bytes")
	mapPath := fs.String("map", "", "Back the memory window with an mmap of this file instead of a buffer")
	mapOffset := fs.Int64("map-offset", 0, "Byte offset into the mapped file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	plan, err := bootcfg.Load(*planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load boot plan: %v\n", err)
		os.Exit(1)
	}

	var mem phys.Memory
	var buffer *phys.Buffer
	if *mapPath != "" {
		mapped, err := phys.MapFile(*mapPath, *mapOffset, *memBase, *memSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to map memory window: %v\n", err)
			os.Exit(1)
		}
		defer mapped.Close()
		mem = mapped
	} else {
		buffer = phys.NewBuffer(*memBase, *memSize)
		mem = buffer
	}

	stager := &stage.Stager{
		Memory: mem,
		Regs:   handoff.NewSimRegisterFile(),
		Logger: logger,
	}

	// Render per-segment byte progress only on an interactive terminal.
	if term.IsTerminal(int(os.Stderr.Fd())) {
		var bar *progressbar.ProgressBar
		var barImage string
		stager.Progress = func(image string, done, total uint64) {
			if bar == nil || barImage != image {
				bar = progressbar.DefaultBytes(int64(total), "staging "+image)
				barImage = image
			}
			bar.Set64(int64(done))
			if done == total {
				bar.Finish()
			}
		}
	}

	result, err := stager.Run(plan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "staging failed: %v\n", err)
		os.Exit(1)
	}

	for _, img := range result.Images {
		fmt.Printf("%s: %s, %d segment(s), entry %#x\n", img.Name, img.Class, img.Segments, img.Entry)
	}
	if result.Released {
		fmt.Println("secondary cores released")
	}

	if *outPath != "" {
		if buffer == nil {
			fmt.Fprintln(os.Stderr, "-out requires a buffer-backed memory window")
			os.Exit(1)
		}
		if err := os.WriteFile(*outPath, buffer.Bytes(), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write memory image %q: %v\n", *outPath, err)
			os.Exit(1)
		}
		fmt.Printf("wrote %d bytes to %q\n", len(buffer.Bytes()), *outPath)
	}
}
