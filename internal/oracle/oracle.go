// Package oracle defines the price feed adapter consumed by the vault
// engine. The engine trusts feed answers as given — staleness and sanity
// checks are deliberately out of scope and belong to the feed operator.
package oracle

import (
	"errors"
	"math/big"
	"sync"
)

var (
	// ErrNoAnswer is returned when a feed has no price to report.
	ErrNoAnswer = errors.New("oracle: feed has no answer")

	// ErrInvalidAnswer is returned when a feed reports a zero or negative
	// price. Valuing collateral against such an answer would silently
	// zero out positions, so the engine refuses it outright.
	ErrInvalidAnswer = errors.New("oracle: non-positive answer")
)

// PriceFeed reports the USD unit price of one collateral asset. Answers are
// signed integers at the feed's native precision (Decimals), e.g. a feed
// with 8 decimals reports 2000 USD as 2000_00000000.
type PriceFeed interface {
	// LatestAnswer returns the current unit price in the feed's native
	// precision.
	LatestAnswer() (*big.Int, error)

	// Decimals returns the fixed precision of answers from this feed.
	Decimals() uint8
}

// StaticFeed is a PriceFeed whose answer is set by the operator. It backs
// the self-contained deployment and every test; price moves are simulated
// by calling SetAnswer.
type StaticFeed struct {
	mu       sync.RWMutex
	answer   *big.Int
	decimals uint8
}

// NewStaticFeed creates a feed with the given initial answer and precision.
func NewStaticFeed(answer *big.Int, decimals uint8) *StaticFeed {
	f := &StaticFeed{decimals: decimals}
	if answer != nil {
		f.answer = new(big.Int).Set(answer)
	}
	return f
}

func (f *StaticFeed) LatestAnswer() (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.answer == nil {
		return nil, ErrNoAnswer
	}
	return new(big.Int).Set(f.answer), nil
}

func (f *StaticFeed) Decimals() uint8 {
	return f.decimals
}

// SetAnswer replaces the feed's current answer.
func (f *StaticFeed) SetAnswer(answer *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if answer == nil {
		f.answer = nil
		return
	}
	f.answer = new(big.Int).Set(answer)
}
