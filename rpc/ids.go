// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"math/rand/v2"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/speps/go-hashids/v2"
)

const (
	idMinLength = 8
	idSaltRange = 1 << 20
)

// idGenerator hands out correlation IDs that are unique for its
// lifetime. Each ID encodes a counter, the current time and a random
// salt; the hashids alphabet is shuffled with a per-client salt so the
// counter cannot be read back by anyone else.
type idGenerator struct {
	clock clock.Clock

	mu      sync.Mutex
	hashids *hashids.HashID
	counter int64
}

func newIDGenerator(salt string, clock clock.Clock) (*idGenerator, error) {
	data := hashids.NewData()
	data.Salt = salt
	data.MinLength = idMinLength
	h, err := hashids.NewWithData(data)
	if err != nil {
		return nil, errors.Annotate(err, "creating id encoder")
	}
	return &idGenerator{
		clock:   clock,
		hashids: h,
	}, nil
}

func (g *idGenerator) next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	// Hashids only encodes non-negative numbers.
	now := max(g.clock.Now().UnixMilli(), 0)
	id, err := g.hashids.EncodeInt64([]int64{
		g.counter,
		now,
		rand.Int64N(idSaltRange),
	})
	if err != nil {
		return "", errors.Annotate(err, "encoding correlation id")
	}
	return id, nil
}
