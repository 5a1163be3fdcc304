package models

import "slices"

// Transition matrices for every persisted enum. Store updates consult these to
// build the allowed-source predicate of a conditional UPDATE, so an illegal move
// is rejected in Go before any SQL runs and a concurrent move loses at the row.

var payRunTransitions = map[PayRunStatus][]PayRunStatus{
	PayRunQueued:  {PayRunRunning, PayRunFinalized, PayRunPartiallyFinalized, PayRunFailed},
	PayRunRunning: {PayRunRunning, PayRunFinalized, PayRunPartiallyFinalized, PayRunFailed},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentUnpaid:        {PaymentPaying, PaymentPaid, PaymentFailed, PaymentPartiallyPaid},
	PaymentPaying:        {PaymentPaid, PaymentFailed, PaymentPartiallyPaid},
	PaymentPartiallyPaid: {PaymentPaid, PaymentFailed, PaymentPartiallyPaid},
	PaymentFailed:        {PaymentFailed, PaymentPartiallyPaid, PaymentPaid},
	PaymentPaid:          {PaymentPaid},
}

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemQueued:  {ItemRunning},
	ItemRunning: {ItemSucceeded, ItemFailed, ItemQueued},
	ItemFailed:  {ItemQueued},
}

var lifecycleTransitions = map[PaymentLifecycle][]PaymentLifecycle{
	PaymentCreated:   {PaymentSubmitted},
	PaymentSubmitted: {PaymentSettled, PaymentRejected},
	PaymentRejected:  {PaymentRejected, PaymentCreated},
	PaymentSettled:   {PaymentSettled},
}

// CanTransition reports whether a pay run may move from one status to another.
func (s PayRunStatus) CanTransition(to PayRunStatus) bool {
	return allowed(payRunTransitions, s, to)
}

// CanTransition reports whether the payment projection may move. Self moves
// are always accepted so repeated projections are idempotent.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	return s == to || allowed(paymentTransitions, s, to)
}

func (s ItemStatus) CanTransition(to ItemStatus) bool {
	return allowed(itemTransitions, s, to)
}

func (s PaymentLifecycle) CanTransition(to PaymentLifecycle) bool {
	return s == to || allowed(lifecycleTransitions, s, to)
}

// PayRunSourcesFor lists every status from which target is reachable.
func PayRunSourcesFor(target PayRunStatus) []PayRunStatus {
	return sourcesFor(payRunTransitions, target, false)
}

// PaymentSourcesFor lists every payment status from which target is reachable, target included.
func PaymentSourcesFor(target PaymentStatus) []PaymentStatus {
	return sourcesFor(paymentTransitions, target, true)
}

// LifecycleSourcesFor lists every payment lifecycle status from which target is reachable, target included.
func LifecycleSourcesFor(target PaymentLifecycle) []PaymentLifecycle {
	return sourcesFor(lifecycleTransitions, target, true)
}

func allowed[S comparable](m map[S][]S, from, to S) bool {
	for _, next := range m[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesFor walks the matrix in a fixed order so generated SQL is stable.
func sourcesFor[S ~string](m map[S][]S, target S, includeSelf bool) []S {
	keys := make([]S, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]S, 0, len(keys))
	for _, from := range keys {
		if (includeSelf && from == target) || allowed(m, from, target) {
			out = append(out, from)
		}
	}
	return out
}
