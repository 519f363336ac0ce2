package models

import "wisp/internal/utils"

var (
	ErrInvalidInput    = utils.NewWispError("invalid input")
	ErrRoomNotFound    = utils.NewWispError("room not found")
	ErrUnauthorized    = utils.NewWispError("unauthorized")
	ErrAlreadyResolved = utils.NewWispError("join request already resolved")
	ErrPersistence     = utils.NewWispError("persistence failure")
	ErrTimeout         = utils.NewWispError("operation timed out")
)
