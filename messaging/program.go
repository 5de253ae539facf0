package messaging

import (
	"crypto/sha256"

	"imchain/crypto"
)

// DefaultProgramAddress is the well-known address the messaging program is
// registered at on imchain networks. Nodes may override it in their
// configuration, e.g. to run several program instances side by side.
var DefaultProgramAddress = crypto.Address(sha256.Sum256([]byte("imchain/program:instant-messaging")))
