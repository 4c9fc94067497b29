/*
Copyright © 2025 tdw419

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-tty"
	"github.com/spf13/cobra"
	"github.com/tdw419/gpurv"
	"golang.org/x/image/bmp"
)

var (
	runMemSize  int
	runBatch    uint32
	runCycles   uint64
	runBootargs string
	runFrameOut string
	runMetrics  bool
	runTTY      bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runMemSize, "mem-size", 0, "Guest memory size in bytes (0 = default)")
	runCmd.Flags().Uint32Var(&runBatch, "batch", 0, "Cycles per dispatch batch (0 = default)")
	runCmd.Flags().Uint64Var(&runCycles, "cycles-per-tick", 0, "Cycle budget per scheduling tick (0 = default)")
	runCmd.Flags().StringVar(&runBootargs, "bootargs", "", "Kernel command line override")
	runCmd.Flags().StringVarP(&runFrameOut, "frame-out", "f", "", "Write the final framebuffer to a BMP file")
	runCmd.Flags().BoolVar(&runMetrics, "metrics", false, "Print orchestrator metrics as JSON on exit")
	runCmd.Flags().BoolVarP(&runTTY, "tty", "t", false, "Forward local keystrokes to the guest input device")
}

var runCmd = &cobra.Command{
	Use:   "run <bundle>",
	Short: "Boot a bundle and run the guest to completion",
	Long: `Boot a bundle (kernel, optional initrd and device-tree override) and
drive the guest until it halts or the process is interrupted. Guest
console output is streamed to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runGuest,
}

func runGuest(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading bundle: %w", err)
	}
	bundle, err := gpurv.ParseBundle(data)
	if err != nil {
		return err
	}

	cfg := gpurv.DefaultConfig()
	if runMemSize != 0 {
		cfg.MemorySize = runMemSize
	}
	if runBatch != 0 {
		cfg.BatchSize = runBatch
	}
	if runCycles != 0 {
		cfg.CyclesPerTick = runCycles
	}
	cfg.Bootargs = runBootargs

	s, err := gpurv.NewSession(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	s.SetConsole(func(b byte) {
		os.Stdout.Write([]byte{b})
	})

	if err := s.Boot(bundle); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runTTY {
		t, err := tty.Open()
		if err != nil {
			return fmt.Errorf("opening tty: %w", err)
		}
		defer t.Close()
		go forwardKeys(ctx, t, s)
	}

	st, err := s.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		color.Yellow("\ninterrupted after %d cycles (pc=0x%08x)", st.Cycles, st.PC)
	case err != nil:
		return err
	case st.Status.Errored():
		color.Red("\nguest error after %d cycles: cause=%d tval=0x%08x pc=0x%08x",
			st.Cycles, st.TrapCause, st.TrapValue, st.PC)
	default:
		color.Green("\nguest halted after %d cycles", st.Cycles)
	}

	if runFrameOut != "" {
		if err := writeFrame(s, runFrameOut); err != nil {
			return err
		}
		fmt.Printf("framebuffer written to %s\n", runFrameOut)
	}

	if runMetrics {
		out, err := json.MarshalIndent(gpurv.GetMetrics(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}

// forwardKeys streams local keystrokes into the guest input device until
// the context is cancelled or the tty closes.
func forwardKeys(ctx context.Context, t *tty.TTY, s *gpurv.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r, err := t.ReadRune()
		if err != nil {
			return
		}
		if r == 0 || r > 0xFF {
			continue
		}
		if err := s.SendKey(byte(r)); err != nil {
			return
		}
	}
}

func writeFrame(s *gpurv.Session, path string) error {
	img, err := s.FrameRGBA()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return bmp.Encode(f, img)
}
