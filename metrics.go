package gpurv

import (
	"sync/atomic"
	"time"
)

// Performance metrics for monitoring orchestrator operations
var (
	// Operation counters
	sessionCreateCount  uint64
	sessionCloseCount   uint64
	dispatchCount       uint64
	cyclesExecutedCount uint64
	stateReadCount      uint64
	resumeWriteCount    uint64
	loadOperations      uint64
	frameReadCount      uint64

	// Device activity counters
	sbiCallsServed      uint64
	sbiCallsUnsupported uint64
	uartCharCount       uint64
	uartOverrunCount    uint64
	timerInterruptCount uint64
	inputEventCount     uint64

	// Timing metrics (nanoseconds)
	totalSessionCreateTime uint64
	totalDispatchTime      uint64

	// Error counters
	resourceErrors uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	SessionsCreated       uint64 `json:"sessions_created"`
	SessionsClosed        uint64 `json:"sessions_closed"`
	Dispatches            uint64 `json:"dispatches"`
	CyclesExecuted        uint64 `json:"cycles_executed"`
	StateReads            uint64 `json:"state_reads"`
	ResumeWrites          uint64 `json:"resume_writes"`
	LoadOperations        uint64 `json:"load_operations"`
	FrameReads            uint64 `json:"frame_reads"`
	SBICallsServed        uint64 `json:"sbi_calls_served"`
	SBICallsUnsupported   uint64 `json:"sbi_calls_unsupported"`
	UARTChars             uint64 `json:"uart_chars"`
	UARTOverruns          uint64 `json:"uart_overruns"`
	TimerInterrupts       uint64 `json:"timer_interrupts"`
	InputEvents           uint64 `json:"input_events"`
	AvgSessionCreateNs    uint64 `json:"avg_session_create_time_ns"`
	AvgDispatchNs         uint64 `json:"avg_dispatch_time_ns"`
	ResourceErrors        uint64 `json:"resource_errors"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	created := atomic.LoadUint64(&sessionCreateCount)
	dispatches := atomic.LoadUint64(&dispatchCount)

	var avgCreate, avgDispatch uint64
	if created > 0 {
		avgCreate = atomic.LoadUint64(&totalSessionCreateTime) / created
	}
	if dispatches > 0 {
		avgDispatch = atomic.LoadUint64(&totalDispatchTime) / dispatches
	}

	return Metrics{
		SessionsCreated:     created,
		SessionsClosed:      atomic.LoadUint64(&sessionCloseCount),
		Dispatches:          dispatches,
		CyclesExecuted:      atomic.LoadUint64(&cyclesExecutedCount),
		StateReads:          atomic.LoadUint64(&stateReadCount),
		ResumeWrites:        atomic.LoadUint64(&resumeWriteCount),
		LoadOperations:      atomic.LoadUint64(&loadOperations),
		FrameReads:          atomic.LoadUint64(&frameReadCount),
		SBICallsServed:      atomic.LoadUint64(&sbiCallsServed),
		SBICallsUnsupported: atomic.LoadUint64(&sbiCallsUnsupported),
		UARTChars:           atomic.LoadUint64(&uartCharCount),
		UARTOverruns:        atomic.LoadUint64(&uartOverrunCount),
		TimerInterrupts:     atomic.LoadUint64(&timerInterruptCount),
		InputEvents:         atomic.LoadUint64(&inputEventCount),
		AvgSessionCreateNs:  avgCreate,
		AvgDispatchNs:       avgDispatch,
		ResourceErrors:      atomic.LoadUint64(&resourceErrors),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	atomic.StoreUint64(&sessionCreateCount, 0)
	atomic.StoreUint64(&sessionCloseCount, 0)
	atomic.StoreUint64(&dispatchCount, 0)
	atomic.StoreUint64(&cyclesExecutedCount, 0)
	atomic.StoreUint64(&stateReadCount, 0)
	atomic.StoreUint64(&resumeWriteCount, 0)
	atomic.StoreUint64(&loadOperations, 0)
	atomic.StoreUint64(&frameReadCount, 0)
	atomic.StoreUint64(&sbiCallsServed, 0)
	atomic.StoreUint64(&sbiCallsUnsupported, 0)
	atomic.StoreUint64(&uartCharCount, 0)
	atomic.StoreUint64(&uartOverrunCount, 0)
	atomic.StoreUint64(&timerInterruptCount, 0)
	atomic.StoreUint64(&inputEventCount, 0)
	atomic.StoreUint64(&totalSessionCreateTime, 0)
	atomic.StoreUint64(&totalDispatchTime, 0)
	atomic.StoreUint64(&resourceErrors, 0)
}

// Internal metric recording functions
func recordSessionCreate(duration time.Duration) {
	atomic.AddUint64(&sessionCreateCount, 1)
	atomic.AddUint64(&totalSessionCreateTime, uint64(duration.Nanoseconds()))
}

func recordSessionClose() {
	atomic.AddUint64(&sessionCloseCount, 1)
}

func recordDispatch(cycles uint64, duration time.Duration) {
	atomic.AddUint64(&dispatchCount, 1)
	atomic.AddUint64(&cyclesExecutedCount, cycles)
	atomic.AddUint64(&totalDispatchTime, uint64(duration.Nanoseconds()))
}

func recordStateRead() {
	atomic.AddUint64(&stateReadCount, 1)
}

func recordResumeWrite() {
	atomic.AddUint64(&resumeWriteCount, 1)
}

func recordLoadOperation() {
	atomic.AddUint64(&loadOperations, 1)
}

func recordFrameRead() {
	atomic.AddUint64(&frameReadCount, 1)
}

func recordSBICall(supported bool) {
	if supported {
		atomic.AddUint64(&sbiCallsServed, 1)
	} else {
		atomic.AddUint64(&sbiCallsUnsupported, 1)
	}
}

func recordUARTChars(n uint64) {
	atomic.AddUint64(&uartCharCount, n)
}

func recordUARTOverrun(lost uint64) {
	atomic.AddUint64(&uartOverrunCount, lost)
}

func recordTimerInterrupt() {
	atomic.AddUint64(&timerInterruptCount, 1)
}

func recordInputEvent() {
	atomic.AddUint64(&inputEventCount, 1)
}

func recordResourceError() {
	atomic.AddUint64(&resourceErrors, 1)
}
