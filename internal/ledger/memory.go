package ledger

import (
	"fmt"
	"sync"

	. "mimir/internal/common"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type accountKey struct {
	owner    string
	currency string
}

type reservation struct {
	owner     string
	currency  string
	remaining decimal.Decimal
}

// Memory is the in-process ledger. All mutation happens under one lock, so
// every operation is atomic and settlement never blocks on I/O, which the
// matching loop depends on.
type Memory struct {
	mu           sync.Mutex
	accounts     map[accountKey]*Balance
	reservations map[string]*reservation
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[accountKey]*Balance),
		reservations: make(map[string]*reservation),
	}
}

// Deposit credits the owner's available balance, creating the account on
// first use.
func (m *Memory) Deposit(owner, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit amount %s", ErrInvalidOrder, amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.account(owner, currency)
	acct.Available = acct.Available.Add(amount)

	log.Info().
		Str("owner", owner).
		Str("currency", currency).
		Str("amount", amount.String()).
		Msg("deposit")
	return nil
}

// Withdraw debits the owner's available balance. Reserved funds cannot be
// withdrawn.
func (m *Memory) Withdraw(owner, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: withdrawal amount %s", ErrInvalidOrder, amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.account(owner, currency)
	if acct.Available.LessThan(amount) {
		return fmt.Errorf("%w: need %s %s, have %s",
			ErrInsufficientBalance, amount, currency, acct.Available)
	}
	acct.Available = acct.Available.Sub(amount)

	log.Info().
		Str("owner", owner).
		Str("currency", currency).
		Str("amount", amount.String()).
		Msg("withdrawal")
	return nil
}

// Balance returns the owner's balance in one currency.
func (m *Memory) Balance(owner, currency string) Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.account(owner, currency)
}

func (m *Memory) Reserve(owner, currency string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: reserve amount %s", ErrInvalidOrder, amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.account(owner, currency)
	if acct.Available.LessThan(amount) {
		return "", fmt.Errorf("%w: need %s %s, have %s",
			ErrInsufficientBalance, amount, currency, acct.Available)
	}

	acct.Available = acct.Available.Sub(amount)
	acct.Reserved = acct.Reserved.Add(amount)

	id := uuid.New().String()
	m.reservations[id] = &reservation{
		owner:     owner,
		currency:  currency,
		remaining: amount,
	}
	return id, nil
}

func (m *Memory) Release(reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}

	acct := m.account(res.owner, res.currency)
	acct.Reserved = acct.Reserved.Sub(res.remaining)
	acct.Available = acct.Available.Add(res.remaining)
	delete(m.reservations, reservationID)
	return nil
}

func (m *Memory) ReleasePartial(reservationID string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: release amount %s", ErrInvalidOrder, amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	if res.remaining.LessThan(amount) {
		return fmt.Errorf("%w: release %s exceeds held %s",
			ErrInvariantViolation, amount, res.remaining)
	}

	acct := m.account(res.owner, res.currency)
	res.remaining = res.remaining.Sub(amount)
	acct.Reserved = acct.Reserved.Sub(amount)
	acct.Available = acct.Available.Add(amount)
	return nil
}

func (m *Memory) SettleTrade(pair Pair, buyerReservation, sellerReservation string, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buyRes, ok := m.reservations[buyerReservation]
	if !ok {
		return fmt.Errorf("%w: buyer reservation %s", ErrReservationNotFound, buyerReservation)
	}
	sellRes, ok := m.reservations[sellerReservation]
	if !ok {
		return fmt.Errorf("%w: seller reservation %s", ErrReservationNotFound, sellerReservation)
	}

	// Validate both legs before touching either, the lock makes the rest
	// atomic.
	if buyRes.currency != pair.Quote || sellRes.currency != pair.Base {
		return fmt.Errorf("%w: reservation currencies %s/%s against pair %s",
			ErrInvariantViolation, buyRes.currency, sellRes.currency, pair.Symbol)
	}
	if buyRes.remaining.LessThan(trade.Value) {
		return fmt.Errorf("%w: buyer hold %s below trade value %s",
			ErrInsufficientBalance, buyRes.remaining, trade.Value)
	}
	if sellRes.remaining.LessThan(trade.Quantity) {
		return fmt.Errorf("%w: seller hold %s below trade quantity %s",
			ErrInsufficientBalance, sellRes.remaining, trade.Quantity)
	}

	// Quote leg: buyer's hold pays the seller.
	buyerQuote := m.account(buyRes.owner, pair.Quote)
	buyRes.remaining = buyRes.remaining.Sub(trade.Value)
	buyerQuote.Reserved = buyerQuote.Reserved.Sub(trade.Value)
	m.account(sellRes.owner, pair.Quote).Available =
		m.account(sellRes.owner, pair.Quote).Available.Add(trade.Value)

	// Base leg: seller's hold delivers to the buyer.
	sellerBase := m.account(sellRes.owner, pair.Base)
	sellRes.remaining = sellRes.remaining.Sub(trade.Quantity)
	sellerBase.Reserved = sellerBase.Reserved.Sub(trade.Quantity)
	m.account(buyRes.owner, pair.Base).Available =
		m.account(buyRes.owner, pair.Base).Available.Add(trade.Quantity)

	return nil
}

// account returns the balance record, creating a zero one if absent. Caller
// must hold m.mu.
func (m *Memory) account(owner, currency string) *Balance {
	key := accountKey{owner: owner, currency: currency}
	acct, ok := m.accounts[key]
	if !ok {
		acct = &Balance{}
		m.accounts[key] = acct
	}
	return acct
}
