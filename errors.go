package smartroute

import "errors"

// Core errors. Callers match with errors.Is; every failure produced by the
// runtime wraps one of these sentinels with contextual detail.
var (
	// ErrMissingOwner indicates a router was constructed without an owner.
	ErrMissingOwner = errors.New("smartroute: router requires an owner")

	// ErrNameCollision indicates a duplicate handler name or child alias.
	ErrNameCollision = errors.New("smartroute: name collision")

	// ErrNotFound indicates an unresolved selector, alias, plugin code, or
	// configure target.
	ErrNotFound = errors.New("smartroute: not found")

	// ErrInvalidTarget indicates an unsupported registration or configure
	// target, or a malformed target expression.
	ErrInvalidTarget = errors.New("smartroute: invalid target")

	// ErrValidation indicates a plugin rejected its own configuration or
	// input.
	ErrValidation = errors.New("smartroute: validation failed")

	// ErrOwnership indicates a child instance is already bound to another
	// parent.
	ErrOwnership = errors.New("smartroute: ownership violation")

	// ErrEmptyMatch indicates a configure selector matched no handler.
	ErrEmptyMatch = errors.New("smartroute: selector matched no handlers")

	// ErrPluginConflict indicates a plugin code is already registered with
	// a different plugin type.
	ErrPluginConflict = errors.New("smartroute: plugin code already registered")

	// ErrDuplicatePlugin indicates a plugin code was plugged twice on the
	// same router.
	ErrDuplicatePlugin = errors.New("smartroute: plugin already attached")
)
