package store

import "wisp/internal/utils"

var (
	ErrNoRows         = utils.NewWispError("no rows in result set")
	ErrDuplicate      = utils.NewWispError("duplicate row")
	ErrDBNotConnected = utils.NewWispError("database not connected")
)
