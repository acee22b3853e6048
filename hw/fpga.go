package hw

// Register map of the FPGA timing/streaming peripheral.
const (
	FPGAControl    uint32 = 0x00
	FPGAStatus     uint32 = 0x04 // read only
	FPGATime       uint32 = 0x08 // board time in sample ticks, read only
	FPGASamples    uint32 = 0x0c // samples output since start, read only
	FPGANumSamples uint32 = 0x10 // samples per repetition
	FPGANumCycles  uint32 = 0x14 // repetitions, 0 runs until stopped
	FPGAIRQ        uint32 = 0x18 // pending interrupts, write 1 to clear
	FPGAVersion    uint32 = 0x1c
	FPGAWindowSize uint32 = 0x20
)

// FPGA control bits.
const (
	FPGACtrlReset      uint32 = 1 << 0
	FPGACtrlReady      uint32 = 1 << 1
	FPGACtrlRun        uint32 = 1 << 2
	FPGACtrlRestart    uint32 = 1 << 3
	FPGACtrlTrigStart  uint32 = 1 << 4
	FPGACtrlIRQEnable  uint32 = 1 << 8
	FPGACtrlIRQError   uint32 = 1 << 9
	FPGACtrlIRQEnd     uint32 = 1 << 10
	FPGACtrlIRQFreq    uint32 = 1 << 11
	FPGACtrlIRQRestart uint32 = 1 << 12
	FPGACtrlErrLock    uint32 = 1 << 13
	FPGACtrlExtClock   uint32 = 1 << 14

	// FPGACtrlReadOnly are owned by the driver state machine and cannot be
	// changed through a configuration write.
	FPGACtrlReadOnly = FPGACtrlReset | FPGACtrlReady | FPGACtrlRun
)

// FPGA status bits.
const (
	FPGAStatReset    uint32 = 1 << 0
	FPGAStatReady    uint32 = 1 << 1
	FPGAStatRun      uint32 = 1 << 2
	FPGAStatEnd      uint32 = 1 << 3
	FPGAStatWait     uint32 = 1 << 4 // armed, waiting for the start trigger
	FPGAStatExtClock uint32 = 1 << 5
	FPGAStatErrIn    uint32 = 1 << 8
	FPGAStatErrOut   uint32 = 1 << 9
	FPGAStatErrTime  uint32 = 1 << 10
	FPGAStatErrLock  uint32 = 1 << 11
	FPGAStatErrTKeep uint32 = 1 << 12

	FPGAStatErrors = FPGAStatErrIn | FPGAStatErrOut | FPGAStatErrTime |
		FPGAStatErrLock | FPGAStatErrTKeep
)

// FPGA interrupt bits.
const (
	FPGAIRQError   uint32 = 1 << 0
	FPGAIRQEnd     uint32 = 1 << 1
	FPGAIRQRestart uint32 = 1 << 2
	FPGAIRQFreq    uint32 = 1 << 3
	FPGAIRQData    uint32 = 1 << 4
)

// FPGARegisterNames lists the peripheral registers for error dumps.
var FPGARegisterNames = map[string]uint32{
	"control":     FPGAControl,
	"status":      FPGAStatus,
	"time":        FPGATime,
	"samples":     FPGASamples,
	"num_samples": FPGANumSamples,
	"num_cycles":  FPGANumCycles,
	"irq":         FPGAIRQ,
}

// Samples are 8 bytes: a little endian uint32 time followed by a uint32 data
// word. A data word with SampleNOP set is filler and is not output.
const (
	SampleSize          = 8
	SampleNOP    uint32 = 1 << 31
	SampleNOPCnt uint32 = SampleNOP - 1
)
