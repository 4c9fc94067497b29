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

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tdw419/gpurv"
	"github.com/tdw419/gpurv/cmd/gpurv/cmd/utils"
)

var inspectDump int

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().IntVarP(&inspectDump, "dump", "d", 64, "Bytes of each segment to hex dump (0 = none)")
}

var inspectCmd = &cobra.Command{
	Use:     "inspect <bundle>",
	Aliases: []string{"info"},
	Short:   "Show the contents of a boot bundle",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading bundle: %w", err)
		}
		b, err := gpurv.ParseBundle(data)
		if err != nil {
			return err
		}

		entry := b.Entry
		if entry == 0 {
			entry = gpurv.KernelOffset
		}
		color.Cyan("%s: %d bytes", args[0], len(data))
		fmt.Printf("entry:       0x%08x\n", entry)
		fmt.Printf("kernel:      %d bytes -> 0x%08x\n", len(b.Kernel), uint32(gpurv.KernelOffset))
		if b.HasInitrd() {
			fmt.Printf("initrd:      %d bytes -> 0x%08x\n", len(b.Initrd), uint32(gpurv.InitrdOffset))
		} else {
			fmt.Println("initrd:      none")
		}
		if b.HasDeviceTree() {
			fmt.Printf("device tree: %d bytes -> 0x%08x (override)\n", len(b.DeviceTree), uint32(gpurv.DeviceTreeOffset))
		} else {
			fmt.Println("device tree: generated at boot")
		}

		if inspectDump > 0 {
			dumpSegment("kernel", b.Kernel, gpurv.KernelOffset)
			dumpSegment("initrd", b.Initrd, gpurv.InitrdOffset)
			dumpSegment("device tree", b.DeviceTree, gpurv.DeviceTreeOffset)
		}
		return nil
	},
}

func dumpSegment(name string, seg []byte, addr uint32) {
	if len(seg) == 0 {
		return
	}
	n := inspectDump
	if n > len(seg) {
		n = len(seg)
	}
	fmt.Printf("\n%s (first %d bytes):\n", name, n)
	fmt.Print(utils.HexDump(seg[:n], uint64(addr)))
}
