package rom

import (
	"errors"
	"testing"
)

type fakeLifecycle struct {
	transition Transition
	requested  bool
}

func (f *fakeLifecycle) State() LifecycleState { return LCProd }
func (f *fakeLifecycle) RequestedTransition() (Transition, bool) {
	return f.transition, f.requested
}
func (f *fakeLifecycle) Apply(Transition) error { return nil }

type fakeOTP struct {
	burnRequested bool
	fuses         Fuses
	initErr       error
}

func (f *fakeOTP) Init() error                            { return f.initErr }
func (f *fakeOTP) RequestedTokenBurn() (Token, bool)       { return Token{}, f.burnRequested }
func (f *fakeOTP) BurnToken(Token) error                   { return nil }
func (f *fakeOTP) ReadFuses() (Fuses, error)               { return f.fuses, nil }

type fakeMailbox struct {
	fatal      bool
	execErr    map[CommandID]error
	fusesWritten Fuses
}

func (f *fakeMailbox) Execute(cmd Command) (Response, error) {
	if f.execErr != nil {
		if err, ok := f.execErr[cmd.ID]; ok {
			return Response{}, err
		}
	}
	return Response{Status: 0}, nil
}
func (f *fakeMailbox) WaitReadyForFuses() error   { return nil }
func (f *fakeMailbox) WaitReadyForMailbox() error { return nil }
func (f *fakeMailbox) WaitFirmwareReady() error   { return nil }
func (f *fakeMailbox) WaitReadyForRuntime() error { return nil }
func (f *fakeMailbox) WriteFuses(fuses Fuses) error {
	f.fusesWritten = fuses
	return nil
}
func (f *fakeMailbox) SignalFuseWriteDone() error { return nil }
func (f *fakeMailbox) FatalIndicated() bool       { return f.fatal }

type fakeWatchdog struct{ configured bool }

func (f *fakeWatchdog) Configure(enabled bool) { f.configured = enabled }

type fakeI3C struct {
	addr            uint8
	recoveryDisabled bool
}

func (f *fakeI3C) SetStaticAddress(addr uint8) { f.addr = addr }
func (f *fakeI3C) DisableRecoveryMode()         { f.recoveryDisabled = true }

type fakeCheckpoint struct{ calls []uint32 }

func (f *fakeCheckpoint) Publish(cp, _ uint32) { f.calls = append(f.calls, cp) }

func freshDeps() *Deps {
	return &Deps{
		BootGo:    func() error { return nil },
		Lifecycle: &fakeLifecycle{},
		OTP:       &fakeOTP{},
		Mailbox:   &fakeMailbox{},
		Watchdog:  &fakeWatchdog{},
		I3C:       &fakeI3C{},
		Checkpoint: &fakeCheckpoint{},
		ReadFirstWord: func() (uint32, error) { return 0xdeadbeef, nil },
		WarmReset:     func() error { return nil },
	}
}

func TestBootHappyPath(t *testing.T) {
	d := freshDeps()
	if err := Boot(d); err != nil {
		t.Fatalf("Boot() = %v, want nil", err)
	}
	if !d.Watchdog.(*fakeWatchdog).configured {
		t.Error("watchdog not configured")
	}
	if !d.I3C.(*fakeI3C).recoveryDisabled {
		t.Error("recovery mode not disabled")
	}
}

func TestBootGoFailureIsFatal(t *testing.T) {
	d := freshDeps()
	d.BootGo = func() error { return errors.New("boot strap timeout") }

	err := Boot(d)
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Code != CodeCaliptraFatalBeforeMBReady {
		t.Fatalf("Boot() = %v, want CodeCaliptraFatalBeforeMBReady", err)
	}
}

func TestBootLifecycleTransitionHaltsBoot(t *testing.T) {
	d := freshDeps()
	d.Lifecycle = &fakeLifecycle{requested: true, transition: Transition{From: LCRaw, To: LCTestUnlocked0}}

	if err := Boot(d); err != nil {
		t.Fatalf("Boot() = %v, want nil (transition halts cleanly)", err)
	}
}

func TestBootMailboxFatalIndicated(t *testing.T) {
	d := freshDeps()
	d.Mailbox = &fakeMailbox{fatal: true}

	err := Boot(d)
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Code != CodeCaliptraFatalBeforeMBReady {
		t.Fatalf("Boot() = %v, want CodeCaliptraFatalBeforeMBReady", err)
	}
}

func TestBootZeroFirstWordIsInvalidFirmware(t *testing.T) {
	d := freshDeps()
	d.ReadFirstWord = func() (uint32, error) { return 0, nil }

	err := Boot(d)
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Code != CodeInvalidFirmware {
		t.Fatalf("Boot() = %v, want CodeInvalidFirmware", err)
	}
}

func TestBootFieldEntropyProgFailure(t *testing.T) {
	d := freshDeps()
	d.FieldEntropyPartitions = []uint32{0, 1}
	d.Mailbox = &fakeMailbox{execErr: map[CommandID]error{CmdFEProg: errors.New("partition busy")}}

	err := Boot(d)
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Code != CodeFieldEntropyProgError {
		t.Fatalf("Boot() = %v, want CodeFieldEntropyProgError", err)
	}
}

func TestBootRecoveryFailure(t *testing.T) {
	d := freshDeps()
	d.Recovery = recoveryFunc(func() error { return errors.New("image transfer aborted") })

	err := Boot(d)
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Code != CodeFinishRIDownloadError {
		t.Fatalf("Boot() = %v, want CodeFinishRIDownloadError", err)
	}
}

type recoveryFunc func() error

func (f recoveryFunc) Run() error { return f() }
