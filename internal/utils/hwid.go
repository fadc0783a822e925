package utils

import (
	"github.com/denisbrodbeck/machineid"
)

// HWID is an app-scoped machine id, sent as the device id header.
// Falls back to a random id when the platform id is unreadable (containers).
var HWID = func() string {
	id, err := machineid.ProtectedID("syftdrop")
	if err != nil || id == "" {
		return TokenHex(16)
	}
	return id[:32]
}()
