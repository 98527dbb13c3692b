// Package source produces configuration snapshots for the updater.
package source

import (
	"context"
	"errors"
	"fmt"

	"statejob/internal/domain"
)

// ErrUnavailable is returned (wrapped) whenever a fetch does not yield a
// usable snapshot.
var ErrUnavailable = errors.New("configuration source unavailable")

// Source fetches a fresh snapshot. Fetch blocks until the snapshot is ready,
// ctx ends, or the source fails. It never panics.
type Source interface {
	Fetch(ctx context.Context) (domain.JobParameters, error)
}

// Func adapts a plain function into a Source. Panics and invalid snapshots
// are converted into ErrUnavailable.
type Func func(ctx context.Context) (domain.JobParameters, error)

func (f Func) Fetch(ctx context.Context) (p domain.JobParameters, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = domain.JobParameters{}
			err = fmt.Errorf("%w: panic: %v", ErrUnavailable, r)
		}
	}()
	p, err = f(ctx)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return domain.JobParameters{}, err
	}
	if verr := p.Validate(); verr != nil {
		return domain.JobParameters{}, fmt.Errorf("%w: invalid snapshot: %w", ErrUnavailable, verr)
	}
	return p, nil
}

// Static always returns the same snapshot.
func Static(p domain.JobParameters) Source {
	return Func(func(context.Context) (domain.JobParameters, error) { return p, nil })
}
