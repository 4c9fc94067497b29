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

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tdw419/gpurv"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check platform support for guest sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := gpurv.Supported()
		if err != nil {
			color.Red("platform support: error: %v", err)
			return err
		}
		if !ok {
			color.Red("platform support: false")
			return fmt.Errorf("arena allocator probe failed")
		}
		color.Green("platform support: true")

		// A full session round trip exercises the device timeline too.
		s, err := gpurv.NewSession(gpurv.DefaultConfig())
		if err != nil {
			color.Red("session probe: error: %v", err)
			return err
		}
		defer s.Close()

		cfg := gpurv.DefaultConfig()
		fmt.Printf("guest memory: %d MB\n", cfg.MemorySize>>20)
		fmt.Printf("dispatch batch: %d cycles\n", cfg.BatchSize)
		fmt.Printf("framebuffer: %dx%d\n", gpurv.FramebufferWidth, gpurv.FramebufferHeight)
		color.Green("session probe: ok")
		return nil
	},
}
