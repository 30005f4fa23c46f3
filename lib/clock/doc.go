// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the
// content cache dispatchers (time-since-first-queued batching) and the
// compression scheduler (memory ceiling polling).
//
// Production code holds a Clock field set to Real(). Tests use Fake()
// so that a batch that should dispatch "after 20ms" dispatches exactly
// when the test advances the clock:
//
//	fake := clock.Fake(time.Unix(0, 0))
//	dispatcher := contentcache.NewGetDispatcher(store, settings, fake, logger)
//	dispatcher.Queue(request)
//	fake.Advance(20 * time.Millisecond)
//	dispatcher.DispatchIfReady(false)
package clock
