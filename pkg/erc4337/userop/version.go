package userop

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Version identifies the EntryPoint contract family an operation is built for.
type Version string

const (
	V06 Version = "v0.6"
	V07 Version = "v0.7"
)

var (
	// EntryPointV06 is the canonical EntryPoint v0.6 deployment.
	EntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	// EntryPointV07 is the canonical EntryPoint v0.7 deployment.
	EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
)

var (
	entryPointsMu sync.RWMutex
	entryPoints   = map[common.Address]Version{
		EntryPointV06: V06,
		EntryPointV07: V07,
	}
)

// RegisterEntryPoint adds a non-canonical EntryPoint deployment (local devnets,
// forks) to the version lookup.
func RegisterEntryPoint(address common.Address, version Version) {
	entryPointsMu.Lock()
	defer entryPointsMu.Unlock()
	entryPoints[address] = version
}

// DetectVersion maps an EntryPoint address to its version. Unknown addresses
// are treated as v0.6.
func DetectVersion(entrypoint common.Address) Version {
	entryPointsMu.RLock()
	defer entryPointsMu.RUnlock()
	if v, ok := entryPoints[entrypoint]; ok {
		return v
	}
	return V06
}

// ResolveEntryPoint returns entrypoint, or the v0.6 default when it is unset.
func ResolveEntryPoint(entrypoint common.Address) common.Address {
	if entrypoint == (common.Address{}) {
		return EntryPointV06
	}
	return entrypoint
}
