package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Bet intake errors, surfaced to clients of PlaceBet.
var (
	// ErrPriceUnavailable is returned when no fresh market price exists and a
	// round cannot start or continue.
	ErrPriceUnavailable = errors.New("market price is unavailable")

	// ErrNoActiveRound is returned when a bet arrives and no round is live.
	ErrNoActiveRound = errors.New("no active round")

	// ErrBettingClosed is returned when a bet arrives after the betting window.
	ErrBettingClosed = errors.New("betting window is closed")

	// ErrDuplicateBet is returned when an orderId is replayed by a different
	// user than the one that first used it.
	ErrDuplicateBet = errors.New("order id already used by another user")

	// ErrInvalidAmount is returned when the amount is out of bounds, the target
	// cell is invalid, or the risk cap rejects the expected payout.
	ErrInvalidAmount = errors.New("invalid bet amount or target")

	// ErrTargetTimePassed is returned when targetTime is not far enough ahead
	// of the round's elapsed clock.
	ErrTargetTimePassed = errors.New("target time has already passed")

	// ErrMaxBetsReached is returned when the per-user or process-wide active
	// bet cap is hit.
	ErrMaxBetsReached = errors.New("maximum bet count reached")

	// ErrRateLimited is returned by the sliding-window limiter.
	ErrRateLimited = errors.New("too many bet requests")
)

// User / ledger errors
var (
	// ErrUserNotFound is returned when no user matches the given id.
	ErrUserNotFound = errors.New("user not found")

	// ErrEmailTaken is returned when creating a user with an email that exists.
	ErrEmailTaken = errors.New("email already registered")

	// ErrUsernameTaken is returned when creating a user with a username that exists.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrUserBanned is returned when an inactive account attempts to bet.
	ErrUserBanned = errors.New("user account is banned")

	// ErrUserSilenced is returned when a silenced account attempts to bet.
	ErrUserSilenced = errors.New("user account is silenced")

	// ErrInsufficientBalance is returned when a conditional debit finds the
	// balance below the required amount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOrderAmountMismatch is returned when a recharge callback carries an
	// amount different from the pending order's.
	ErrOrderAmountMismatch = errors.New("recharge amount does not match order")

	// ErrOrderNotFound is returned when no pending recharge order matches the
	// given orderNo.
	ErrOrderNotFound = errors.New("recharge order not found")
)

// Round / settlement errors
var (
	// ErrRoundNotFound is returned when no round matches the given id.
	ErrRoundNotFound = errors.New("round not found")

	// ErrRoundActive is returned when a new round is requested while a
	// non-terminal one exists for the asset.
	ErrRoundActive = errors.New("a round is already active for this asset")

	// ErrBetNotFound is returned when no bet matches the given id or orderId.
	ErrBetNotFound = errors.New("bet not found")

	// ErrBetSettled is returned when a settle or refund finds the bet already
	// in a terminal status.
	ErrBetSettled = errors.New("bet already settled")

	// ErrPoolNotFound is returned when the house pool row for an asset is
	// missing.
	ErrPoolNotFound = errors.New("house pool not found")

	// ErrPoolConflict is returned when a versioned pool update hits a stale
	// version.
	ErrPoolConflict = errors.New("house pool version conflict")
)

// Auth errors
var (
	// ErrUnauthorized is returned when a valid token is not present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the authenticated user lacks the required role.
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrTokenExpired is returned when a JWT has passed its TTL.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or its
	// signature does not match.
	ErrTokenInvalid = errors.New("token is invalid")

	// ErrInvalidCredentials is returned when admin login credentials are wrong.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ──────────────────────────────────────────────────────────────────────────────
// Error codes — stable identifiers carried in API / WS error payloads
// ──────────────────────────────────────────────────────────────────────────────

// errorCodes maps sentinel errors to their wire codes. Order matters only for
// readability; lookup is by errors.Is.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrPriceUnavailable, "PRICE_UNAVAILABLE"},
	{ErrNoActiveRound, "NO_ACTIVE_ROUND"},
	{ErrBettingClosed, "BETTING_CLOSED"},
	{ErrDuplicateBet, "DUPLICATE_BET"},
	{ErrInvalidAmount, "INVALID_AMOUNT"},
	{ErrTargetTimePassed, "TARGET_TIME_PASSED"},
	{ErrMaxBetsReached, "MAX_BETS_REACHED"},
	{ErrRateLimited, "RATE_LIMITED"},
	{ErrUserNotFound, "USER_NOT_FOUND"},
	{ErrEmailTaken, "EMAIL_TAKEN"},
	{ErrUsernameTaken, "USERNAME_TAKEN"},
	{ErrUserBanned, "USER_BANNED"},
	{ErrUserSilenced, "USER_SILENCED"},
	{ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
	{ErrOrderAmountMismatch, "ORDER_AMOUNT_MISMATCH"},
	{ErrOrderNotFound, "ORDER_NOT_FOUND"},
	{ErrRoundNotFound, "ROUND_NOT_FOUND"},
	{ErrRoundActive, "ROUND_ACTIVE"},
	{ErrBetNotFound, "BET_NOT_FOUND"},
	{ErrBetSettled, "BET_SETTLED"},
	{ErrUnauthorized, "UNAUTHORIZED"},
	{ErrForbidden, "FORBIDDEN"},
	{ErrTokenExpired, "TOKEN_EXPIRED"},
	{ErrTokenInvalid, "TOKEN_INVALID"},
	{ErrInvalidCredentials, "INVALID_CREDENTIALS"},
}

// CodeOf returns the stable wire code for err, or "INTERNAL" when err is not
// a recognised domain error.
func CodeOf(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "INTERNAL"
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

// notFoundErrors collects all "entity not found" sentinel errors so that
// IsNotFound can stay in sync automatically.
var notFoundErrors = []error{
	ErrUserNotFound,
	ErrRoundNotFound,
	ErrBetNotFound,
	ErrPoolNotFound,
	ErrOrderNotFound,
	ErrNoActiveRound,
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors. Use this instead of comparing error values
// directly when translating domain errors to HTTP 404 responses.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsBetRejection returns true for errors a client can fix by changing its
// request (or waiting); these are surfaced synchronously with no side effects.
func IsBetRejection(err error) bool {
	rejections := []error{
		ErrPriceUnavailable,
		ErrNoActiveRound,
		ErrBettingClosed,
		ErrDuplicateBet,
		ErrInvalidAmount,
		ErrTargetTimePassed,
		ErrMaxBetsReached,
		ErrRateLimited,
		ErrUserNotFound,
		ErrUserBanned,
		ErrUserSilenced,
		ErrInsufficientBalance,
	}
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAuthError returns true for authentication/authorisation errors.
func IsAuthError(err error) bool {
	authErrors := []error{
		ErrUnauthorized,
		ErrForbidden,
		ErrTokenExpired,
		ErrTokenInvalid,
		ErrInvalidCredentials,
	}
	for _, target := range authErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
