// Package predicate implements the C2 capability interfaces: Predicate
// (a decision function over a subject) and Extractor (a key-part emitter
// over a subject), plus their combinators. Grounded on
// hitbox-core/src/predicate/{combinators,neutral}.rs and
// hitbox-core/src/extractor.rs.
//
// Both interfaces take ownership of the subject and return it, so a chain
// of predicates/extractors can each inspect (and, for body-reading ones,
// buffer) the subject without the caller losing access afterward.
package predicate

import "context"

// Decision is the outcome of evaluating a Predicate against a subject.
type Decision int

const (
	// Cacheable means the subject may be cached.
	Cacheable Decision = iota
	// NonCacheable means the subject must not be cached.
	NonCacheable
)

func (d Decision) String() string {
	if d == Cacheable {
		return "Cacheable"
	}
	return "NonCacheable"
}

// Predicate is a pure (with respect to the bytes it reads) decision
// function. A failure to read the subject must surface as NonCacheable,
// never as an error — predicates never propagate errors.
type Predicate[S any] interface {
	Check(ctx context.Context, subject S) (S, Decision)
}

// PredicateFunc adapts a plain function to a Predicate.
type PredicateFunc[S any] func(ctx context.Context, subject S) (S, Decision)

// Check implements Predicate.
func (f PredicateFunc[S]) Check(ctx context.Context, subject S) (S, Decision) {
	return f(ctx, subject)
}

// Neutral is a Predicate that always returns Cacheable, used as the
// algebraic identity for And and the absorbing element for Or.
func Neutral[S any]() Predicate[S] {
	return PredicateFunc[S](func(ctx context.Context, subject S) (S, Decision) {
		return subject, Cacheable
	})
}

// Not inverts a predicate's decision.
func Not[S any](p Predicate[S]) Predicate[S] {
	return PredicateFunc[S](func(ctx context.Context, subject S) (S, Decision) {
		subject, d := p.Check(ctx, subject)
		if d == Cacheable {
			return subject, NonCacheable
		}
		return subject, Cacheable
	})
}

// And combines two predicates with short-circuit evaluation: if the first
// predicate returns NonCacheable, the second is never invoked.
func And[S any](p, q Predicate[S]) Predicate[S] {
	return PredicateFunc[S](func(ctx context.Context, subject S) (S, Decision) {
		subject, d := p.Check(ctx, subject)
		if d == NonCacheable {
			return subject, NonCacheable
		}
		return q.Check(ctx, subject)
	})
}

// Or combines two predicates with short-circuit evaluation: if the first
// predicate returns Cacheable, the second is never invoked.
func Or[S any](p, q Predicate[S]) Predicate[S] {
	return PredicateFunc[S](func(ctx context.Context, subject S) (S, Decision) {
		subject, d := p.Check(ctx, subject)
		if d == Cacheable {
			return subject, Cacheable
		}
		return q.Check(ctx, subject)
	})
}

// Chain provides PredicateExt-style fluent composition, mirroring the
// Rust source's PredicateExt trait.
type Chain[S any] struct {
	p Predicate[S]
}

// P starts a fluent chain from a predicate.
func P[S any](p Predicate[S]) Chain[S] {
	return Chain[S]{p: p}
}

// And chains another predicate with AND semantics.
func (c Chain[S]) And(q Predicate[S]) Chain[S] {
	return Chain[S]{p: And(c.p, q)}
}

// Or chains another predicate with OR semantics.
func (c Chain[S]) Or(q Predicate[S]) Chain[S] {
	return Chain[S]{p: Or(c.p, q)}
}

// Not negates the chain so far.
func (c Chain[S]) Not() Chain[S] {
	return Chain[S]{p: Not(c.p)}
}

// Build returns the composed Predicate.
func (c Chain[S]) Build() Predicate[S] {
	return c.p
}
