package crypto

import "wisp/internal/utils"

var (
	ErrEncryptionFailed     = utils.NewWispError("encryption failed")
	ErrAuthenticationFailed = utils.NewWispError("message authentication failed")
	ErrNotEncrypted         = utils.NewWispError("payload is not encrypted")
	ErrBadKey               = utils.NewWispError("invalid key provided")
)
