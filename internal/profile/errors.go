package profile

import (
	"wisp/internal/utils"
)

var (
	ErrProfileNotFound = utils.NewWispError("profile not found")
	ErrInvalidPassword = utils.NewWispError("invalid password")
)
