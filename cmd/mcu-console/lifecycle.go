package main

import "github.com/rotmcu/corefw/rom"

// localLifecycle is an in-process stand-in for the OTP-backed lifecycle
// controller, used when the console runs against a simulated device
// rather than real hardware. transitionTokens maps an allowed
// (from, to) pair to its required hashed token, mirroring the OTP
// comparison value rom.Lifecycle.Apply checks against.
type localLifecycle struct {
	state            rom.LifecycleState
	transitionTokens map[[2]rom.LifecycleState]rom.Token
}

func newLocalLifecycle(initial rom.LifecycleState) *localLifecycle {
	return &localLifecycle{
		state: initial,
		transitionTokens: map[[2]rom.LifecycleState]rom.Token{
			{rom.LCRaw, rom.LCTestUnlocked0}: rom.HashToken([]byte("vendor-shared-secret")),
		},
	}
}

func (l *localLifecycle) State() rom.LifecycleState { return l.state }

func (l *localLifecycle) RequestedTransition() (rom.Transition, bool) {
	return rom.Transition{}, false
}

func (l *localLifecycle) Apply(t rom.Transition) error {
	want, ok := l.transitionTokens[[2]rom.LifecycleState{t.From, t.To}]
	if !ok || want != t.Token {
		return rom.ErrBadToken
	}
	l.state = t.To
	return nil
}
