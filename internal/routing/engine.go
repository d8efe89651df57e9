package routing

import (
	"context"
	"errors"
	"fmt"
)

// IgnorePolicy decides whether a hung-up call with no stored record should be
// dropped instead of retried.
//
// Priority:
//  1. Caller blacklisted as spam
//  2. Dialed number belongs to a program with no routable target
//
// Return a decision only. No side effects (no DB writes, no provider calls).
type IgnorePolicy struct {
	Blacklist BlacklistChecker
	Programs  ProgramStore
}

// BlacklistChecker reports whether a phone number is blacklisted for the tenant in ctx.
type BlacklistChecker interface {
	IsBlacklisted(ctx context.Context, phone string) (bool, error)
}

// ProgramStore resolves a program by one of its phone numbers, inactive programs included.
// It returns (Program{}, false, nil) when no program owns the number.
type ProgramStore interface {
	FindByPhone(ctx context.Context, phone string) (Program, bool, error)
}

// Program is the routing configuration a dialed number belongs to.
type Program struct {
	ID    string
	Phone string

	Active bool
	// TargetID is the team or user calls are routed to. Empty means none.
	TargetID     string
	TargetActive bool
}

func NewIgnorePolicy(blacklist BlacklistChecker, programs ProgramStore) *IgnorePolicy {
	return &IgnorePolicy{Blacklist: blacklist, Programs: programs}
}

func (p *IgnorePolicy) Evaluate(ctx context.Context, from, to string) (Decision, error) {
	if p == nil {
		return Decision{}, errors.New("routing: ignore policy is nil")
	}

	// 1) Spam
	if p.Blacklist != nil && from != "" {
		spam, err := p.Blacklist.IsBlacklisted(ctx, from)
		if err != nil {
			return Decision{}, fmt.Errorf("routing: checking blacklist: %w", err)
		}
		if spam {
			return Decision{Ignore: true, Reason: ReasonSpam}, nil
		}
	}

	// 2) Program target
	if p.Programs == nil || to == "" {
		return Decision{}, nil
	}
	prog, ok, err := p.Programs.FindByPhone(ctx, to)
	if err != nil {
		return Decision{}, fmt.Errorf("routing: loading program: %w", err)
	}
	if !ok {
		return Decision{}, nil
	}
	switch {
	case prog.TargetID == "":
		return Decision{Ignore: true, Reason: ReasonNoTarget, ProgramID: prog.ID}, nil
	case !prog.Active || !prog.TargetActive:
		return Decision{Ignore: true, Reason: ReasonInactiveProgram, ProgramID: prog.ID}, nil
	}
	return Decision{ProgramID: prog.ID}, nil
}

// ShouldIgnore is Evaluate reduced to a boolean, for callers that only log the reason.
func (p *IgnorePolicy) ShouldIgnore(ctx context.Context, from, to string) (bool, Reason, error) {
	d, err := p.Evaluate(ctx, from, to)
	if err != nil {
		return false, "", err
	}
	return d.Ignore, d.Reason, nil
}
