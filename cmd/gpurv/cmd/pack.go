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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tdw419/gpurv"
)

var (
	packKernel string
	packInitrd string
	packDTB    string
	packEntry  uint32
)

func init() {
	rootCmd.AddCommand(packCmd)
	packCmd.Flags().StringVarP(&packKernel, "kernel", "k", "", "Kernel image (required)")
	packCmd.Flags().StringVarP(&packInitrd, "initrd", "i", "", "Initrd image")
	packCmd.Flags().StringVar(&packDTB, "dtb", "", "Device-tree blob override")
	packCmd.Flags().Uint32VarP(&packEntry, "entry", "e", 0, "Entry point (0 = kernel load address)")
	packCmd.MarkFlagRequired("kernel")
}

var packCmd = &cobra.Command{
	Use:   "pack <output>",
	Short: "Assemble a boot bundle from raw segments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kernel, err := os.ReadFile(packKernel)
		if err != nil {
			return fmt.Errorf("reading kernel: %w", err)
		}
		var initrd, dtb []byte
		if packInitrd != "" {
			if initrd, err = os.ReadFile(packInitrd); err != nil {
				return fmt.Errorf("reading initrd: %w", err)
			}
		}
		if packDTB != "" {
			if dtb, err = os.ReadFile(packDTB); err != nil {
				return fmt.Errorf("reading dtb: %w", err)
			}
		}

		out := gpurv.BuildBundle(packEntry, kernel, initrd, dtb)
		// Round-trip through the parser so a bundle this tool produces is
		// guaranteed loadable.
		if _, err := gpurv.ParseBundle(out); err != nil {
			return err
		}
		if err := os.WriteFile(args[0], out, 0o644); err != nil {
			return fmt.Errorf("writing bundle: %w", err)
		}
		fmt.Printf("wrote %s (%d bytes)\n", args[0], len(out))
		return nil
	},
}
