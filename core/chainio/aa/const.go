package aa

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

var (
	SimpleAccountFactoryV06 = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	SimpleAccountFactoryV07 = common.HexToAddress("0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")
)

// DefaultFactory returns the canonical SimpleAccountFactory for an EntryPoint
// version. Used when the caller does not configure a factory.
func DefaultFactory(version userop.Version) common.Address {
	if version == userop.V07 {
		return SimpleAccountFactoryV07
	}
	return SimpleAccountFactoryV06
}
