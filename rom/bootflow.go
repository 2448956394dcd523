package rom

import "errors"

// Checkpoint values published at each cold-boot step (§4.7). Milestones
// are a secondary word recording progress within a checkpoint.
const (
	CheckpointStart uint32 = iota
	CheckpointSecurityCoreBootGo
	CheckpointLifecycleInit
	CheckpointLifecycleTransition
	CheckpointOTPInit
	CheckpointOTPTokenBurn
	CheckpointFuseRead
	CheckpointWatchdogConfig
	CheckpointI3CInit
	CheckpointReadyForFuses
	CheckpointReadyForMailbox
	CheckpointRIDownloadStart
	CheckpointRecovery
	CheckpointFirmwareReady
	CheckpointReadyForRuntime
	CheckpointFieldEntropyProg
	CheckpointRecoveryDisabled
	CheckpointWarmReset
)

var errFirstWordZero = errors.New("rom: loaded firmware first word is zero")

// BootGo is the security-core boot-go strap the ROM asserts before
// anything else (§4.7 step 1). Real assertion happens over a GPIO/strap
// register this core does not own directly (§1); the flow only needs to
// know it succeeded.
type BootGo func() error

// Recovery is the narrow surface bootflow needs from the recovery-image
// streaming state machine (package recovery) without importing it
// directly, avoiding an import cycle while keeping Boot's dependency
// list explicit and mockable.
type Recovery interface {
	// Run drives the recovery interface to completion, streaming the
	// requested images from flash into the security core.
	Run() error
}

// Deps collects every external collaborator the cold-boot flow drives,
// per the boundary drawn in §1: this package orchestrates, it does not
// implement lifecycle, OTP, mailbox framing, I3C, or recovery streaming
// itself.
type Deps struct {
	BootGo     BootGo
	Lifecycle  Lifecycle
	OTP        OTP
	Mailbox    Mailbox
	Watchdog   Watchdog
	I3C        I3CTarget
	Recovery   Recovery
	Verifier   FirmwareVerifier
	Checkpoint Checkpoint

	// ReadFirstWord reads the first 32-bit word of the firmware loaded
	// by Recovery.Run, for the §4.7 sanity check.
	ReadFirstWord func() (uint32, error)

	// Partitions to FE-program after the runtime signals ready, in
	// slice order, one FE_PROG request per partition. Empty skips the
	// step.
	FieldEntropyPartitions []uint32

	// WarmReset triggers the final reset into runtime (§4.7 step 16).
	WarmReset func() error
}

func (d *Deps) checkpoint(cp, milestone uint32) {
	if d.Checkpoint != nil {
		d.Checkpoint.Publish(cp, milestone)
	}
}

// Boot runs the full cold-boot sequence described in §4.7. It returns a
// *FatalError on any unrecoverable condition; the caller (cmd/) is
// responsible for writing the code to a scratch register and halting.
func Boot(d *Deps) error {
	d.checkpoint(CheckpointStart, 0)

	if err := d.BootGo(); err != nil {
		d.checkpoint(CheckpointSecurityCoreBootGo, 1)
		return fatal(CodeCaliptraFatalBeforeMBReady, err)
	}
	d.checkpoint(CheckpointSecurityCoreBootGo, 0)

	d.checkpoint(CheckpointLifecycleInit, 0)
	if t, ok := d.Lifecycle.RequestedTransition(); ok {
		d.checkpoint(CheckpointLifecycleTransition, 0)
		if err := d.Lifecycle.Apply(t); err != nil {
			return fatal(CodeLifecycleError, err)
		}
		// A requested transition halts this boot; the next cold boot
		// observes the new state (§6).
		return nil
	}

	d.checkpoint(CheckpointOTPInit, 0)
	if err := d.OTP.Init(); err != nil {
		return fatal(CodeOTPError, err)
	}
	if tok, ok := d.OTP.RequestedTokenBurn(); ok {
		d.checkpoint(CheckpointOTPTokenBurn, 0)
		if err := d.OTP.BurnToken(tok); err != nil {
			return fatal(CodeOTPError, err)
		}
		return nil
	}

	d.checkpoint(CheckpointFuseRead, 0)
	fuses, err := d.OTP.ReadFuses()
	if err != nil {
		return fatal(CodeOTPError, err)
	}

	d.checkpoint(CheckpointWatchdogConfig, 0)
	d.Watchdog.Configure(true)

	d.checkpoint(CheckpointI3CInit, 0)
	d.I3C.SetStaticAddress(0)

	d.checkpoint(CheckpointReadyForFuses, 0)
	if err := d.Mailbox.WaitReadyForFuses(); err != nil {
		return fatal(CodeMailboxError, err)
	}
	if err := d.Mailbox.WriteFuses(fuses); err != nil {
		return fatal(CodeMailboxError, err)
	}
	if err := d.Mailbox.SignalFuseWriteDone(); err != nil {
		return fatal(CodeMailboxError, err)
	}

	d.checkpoint(CheckpointReadyForMailbox, 0)
	if err := d.Mailbox.WaitReadyForMailbox(); err != nil {
		return fatal(CodeMailboxError, err)
	}
	if d.Mailbox.FatalIndicated() {
		return fatal(CodeCaliptraFatalBeforeMBReady, nil)
	}

	d.checkpoint(CheckpointRIDownloadStart, 0)
	if _, err := d.Mailbox.Execute(Command{ID: CmdRIDownloadFirmware}); err != nil {
		return fatal(CodeStartRIDownloadError, err)
	}

	if d.Recovery != nil {
		d.checkpoint(CheckpointRecovery, 0)
		if err := d.Recovery.Run(); err != nil {
			return fatal(CodeFinishRIDownloadError, err)
		}
	}

	d.checkpoint(CheckpointFirmwareReady, 0)
	if err := d.Mailbox.WaitFirmwareReady(); err != nil {
		return fatal(CodeFinishRIDownloadError, err)
	}

	if d.ReadFirstWord != nil {
		word, err := d.ReadFirstWord()
		if err != nil {
			return fatal(CodeLoadImageError, err)
		}
		if d.Verifier != nil {
			if err := d.Verifier.VerifyHeader(u32le(word)); err != nil {
				return fatal(CodeHeaderVerifyError, err)
			}
		}
		if word == 0 {
			return fatal(CodeInvalidFirmware, errFirstWordZero)
		}
	}

	d.checkpoint(CheckpointReadyForRuntime, 0)
	if err := d.Mailbox.WaitReadyForRuntime(); err != nil {
		return fatal(CodeMailboxError, err)
	}

	if len(d.FieldEntropyPartitions) > 0 {
		d.checkpoint(CheckpointFieldEntropyProg, 0)
		for i, part := range d.FieldEntropyPartitions {
			if _, err := d.Mailbox.Execute(Command{ID: CmdFEProg, Payload: u32le(part)}); err != nil {
				return fatal(CodeFieldEntropyProgError, err)
			}
			d.checkpoint(CheckpointFieldEntropyProg, uint32(i+1))
		}
	}

	d.checkpoint(CheckpointRecoveryDisabled, 0)
	d.I3C.DisableRecoveryMode()

	d.checkpoint(CheckpointWarmReset, 0)
	if d.WarmReset != nil {
		if err := d.WarmReset(); err != nil {
			return fatal(CodeResetError, err)
		}
	}

	return nil
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
