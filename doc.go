// Package gpurv emulates a RISC-V (RV32I) hardware platform whose CPU
// runs on a device timeline the host can only message between dispatch
// batches, the way a GPU compute queue is driven.
//
// The host side is an orchestrator: it loads a boot bundle, dispatches
// batches of guest cycles, and polls shared guest memory for SBI calls,
// timer deadlines, UART output, and the framebuffer. It never executes
// guest instructions itself and never observes CPU state mid-mutation:
// state reads are staged snapshots, state writes are narrow resume-writes
// committed between batches.
//
// # Basic Usage
//
// Create a session and boot a bundle:
//
//	session, err := gpurv.NewSession(gpurv.DefaultConfig())
//	if err != nil {
//		log.Fatal("Failed to create session:", err)
//	}
//	defer session.Close()
//
//	bundle, err := gpurv.ParseBundle(containerBytes)
//	if err != nil {
//		log.Fatal("Failed to parse bundle:", err)
//	}
//	if err := session.Boot(bundle); err != nil {
//		log.Fatal("Failed to boot:", err)
//	}
//
// Wire the collaborators and run:
//
//	session.SetConsole(func(b byte) { os.Stdout.Write([]byte{b}) })
//
//	state, err := session.Run(context.Background())
//	if err != nil {
//		log.Fatal("Run failed:", err)
//	}
//	fmt.Printf("guest stopped: %s at pc=0x%x\n", state.Status, state.PC)
//
// Or drive individual ticks:
//
//	report, err := session.Tick(10_000)
//	if err != nil {
//		log.Fatal("Tick failed:", err)
//	}
//	os.Stdout.Write(report.Console)
//
// # Execution Model
//
// One dispatch invocation executes a fixed batch of cycles (100 by
// default); requested cycle counts round down to a batch multiple. The
// hart's "I/O" is entirely memory: SBI calls park the hart on a
// rendezvous record in the bridge region, console output goes through a
// ring in the UART region, and both are polled strictly after a batch
// completes. This bounds I/O latency to one batch period.
//
// # Boot Convention
//
// Boot places the kernel, optional initrd, and device-tree blob at fixed
// AddressMap offsets, builds identity Sv32 page tables covering all of
// guest memory, and starts the hart in supervisor mode with a0 = hart id
// and a1 = the device-tree address.
//
// # Error Handling
//
// Configuration and load errors are fatal before the session starts.
// Guest traps never crash the host: they are delivered to the guest's
// own handler or parked with an explicit trap cause for the host to
// inspect. Session-level errors are VMError values with stable codes.
//
// # Resource Management
//
// Sessions must be explicitly closed using Close(). Finalizers provide
// safety net cleanup. Independent sessions own independent memory arenas
// and share nothing.
package gpurv
