package rom

// Fuses is the ROM's parsed view of OTP fuse contents: boot-scoped,
// released when jumping to runtime (§3).
type Fuses struct {
	MailboxAXIUser uint32
	FuseAXIUser    uint32
	TRNGAXIUser    uint32
	DMAAXIUser     uint32
	VendorData     []byte
}

// OTP is the one-time-programmable fuse controller collaborator.
type OTP interface {
	Init() error

	// RequestedTokenBurn reports a lifecycle-token burn requested via
	// ROM parameters for this boot, if any.
	RequestedTokenBurn() (Token, bool)
	BurnToken(t Token) error

	ReadFuses() (Fuses, error)
}

// Watchdog is the watchdog-timer collaborator.
type Watchdog interface {
	Configure(enabled bool)
}

// I3CTarget is the narrow I3C-target-configuration surface the cold-boot
// flow drives directly (distinct from the runtime transport.Binding,
// which serves the MCTP MUX once the runtime is loaded).
type I3CTarget interface {
	SetStaticAddress(addr uint8)
	DisableRecoveryMode()
}

// Checkpoint publishes the flow-checkpoint and milestone words to a
// hardware register on every significant step, for external
// observability (§4.7).
type Checkpoint interface {
	Publish(checkpoint, milestone uint32)
}

// FirmwareVerifier validates a loaded firmware header before the ROM
// proceeds past recovery.
type FirmwareVerifier interface {
	VerifyHeader(header []byte) error
}
