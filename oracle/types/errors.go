package types

import (
	errorsmod "cosmossdk.io/errors"
)

// errors
var (
	ErrInvitationNotFound = errorsmod.Register(ModuleName, 2, "invitation not found in oracle invitations")
	ErrFeedNotConfigured  = errorsmod.Register(ModuleName, 3, "feed not configured")
	ErrInvalidCapData     = errorsmod.Register(ModuleName, 4, "invalid capdata")
	ErrRoundNotFound      = errorsmod.Register(ModuleName, 5, "round not found")
	ErrSequenceMismatch   = errorsmod.Register(ModuleName, 6, "incorrect account sequence")
	ErrTxInclusionTimeout = errorsmod.Register(ModuleName, 7, "timed out waiting for tx to be included in a block")
	ErrTxFailed           = errorsmod.Register(ModuleName, 8, "transaction failed")
	ErrJobNotFound        = errorsmod.Register(ModuleName, 9, "job not found")
	ErrInvalidCallback    = errorsmod.Register(ModuleName, 10, "invalid callback payload")
	ErrStore              = errorsmod.Register(ModuleName, 11, "store failure")
	ErrInvalidConfig      = errorsmod.Register(ModuleName, 12, "invalid config")
	ErrInvalidPrice       = errorsmod.Register(ModuleName, 13, "invalid price")
)
