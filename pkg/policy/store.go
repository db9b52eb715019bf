// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package policy

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// ErrOverrideForbidden is returned by Replace when the store was created
// with runtime overrides disabled.
var ErrOverrideForbidden = errors.New("runtime policy overrides are disabled")

// Store is the single atomic reference to the current Snapshot. The
// override-allowed flag is fixed at startup and cannot be changed later.
type Store struct {
	current         atomic.Pointer[Snapshot]
	overrideAllowed bool
}

// NewStore publishes the initial snapshot. The snapshot must already have
// passed validation; NewStore performs a final consistency check and
// refuses an unusable snapshot.
func NewStore(initial Snapshot, overrideAllowed bool) (*Store, error) {
	if err := check(&initial); err != nil {
		return nil, err
	}

	store := &Store{overrideAllowed: overrideAllowed}
	store.current.Store(&initial)
	return store, nil
}

// Current returns the active snapshot without blocking. Callers read it
// once per request and keep that reference for the request's lifetime.
func (store *Store) Current() *Snapshot {
	return store.current.Load()
}

// OverrideAllowed reports the immutable startup flag.
func (store *Store) OverrideAllowed() bool {
	return store.overrideAllowed
}

// Replace swaps in a new snapshot. It fails without side effects when
// overrides are disabled or the candidate is inconsistent. Requests
// already running keep their previous snapshot.
func (store *Store) Replace(next Snapshot) error {
	if !store.overrideAllowed {
		return ErrOverrideForbidden
	}
	if err := check(&next); err != nil {
		return err
	}

	store.current.Store(&next)
	log.WithFields(log.Fields{
		"origins":  len(next.AllowedOrigins),
		"wildcard": next.AllowAllOrigins,
		"rps":      next.RequestsPerSecond,
		"burst":    next.Burst,
	}).Info("Replaced policy snapshot")
	return nil
}

// check verifies cross-field consistency of a candidate snapshot.
func check(snapshot *Snapshot) (err error) {
	if snapshot.RequestsPerSecond < 0 {
		err = multierror.Append(err, fmt.Errorf("requests-per-second must not be negative"))
	}
	if snapshot.Burst < 0 {
		err = multierror.Append(err, fmt.Errorf("burst must not be negative"))
	}
	if snapshot.MaxBodySize < 0 {
		err = multierror.Append(err, fmt.Errorf("max-body-size must not be negative"))
	}
	if snapshot.RequestTimeout < 0 {
		err = multierror.Append(err, fmt.Errorf("request-timeout must not be negative"))
	}
	if snapshot.AllowAllOrigins && len(snapshot.AllowedOrigins) > 0 {
		err = multierror.Append(err, fmt.Errorf("wildcard and origin list are mutually exclusive"))
	}
	if len(snapshot.EnabledProtocols) == 0 {
		err = multierror.Append(err, fmt.Errorf("at least one protocol must be enabled"))
	}
	if snapshot.HealthPath == "" || snapshot.HealthPath[0] != '/' {
		err = multierror.Append(err, fmt.Errorf("health path must start with a slash"))
	}
	switch snapshot.CongestionAlgorithm {
	case "reno", "cubic":
	default:
		err = multierror.Append(err, fmt.Errorf("congestion algorithm must be reno or cubic"))
	}
	return
}
