package core

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AddressValidator checks chain-format account addresses before they are stored
type AddressValidator interface {
	ValidateAddress(accountAddress string) error
}

// AddressValidatorFunc adapts a function to AddressValidator
type AddressValidatorFunc func(accountAddress string) error

func (f AddressValidatorFunc) ValidateAddress(accountAddress string) error {
	return f(accountAddress)
}

// terra1 prefix followed by a 38 character bech32 body
var terraAddressPattern = regexp.MustCompile(`^terra1[02-9ac-hj-np-z]{38}$`)

// ValidateTerraAddress accepts Terra account addresses
func ValidateTerraAddress(accountAddress string) error {
	if !terraAddressPattern.MatchString(accountAddress) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, accountAddress)
	}
	return nil
}

// ValidateEVMAddress accepts 0x-prefixed 20 byte hex addresses
func ValidateEVMAddress(accountAddress string) error {
	if !strings.HasPrefix(accountAddress, "0x") || !common.IsHexAddress(accountAddress) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, accountAddress)
	}
	return nil
}

// ValidatorForProtocol returns the address validator used by a protocol
func ValidatorForProtocol(protocol string) (AddressValidator, error) {
	switch protocol {
	case ProtocolAnchor:
		return AddressValidatorFunc(ValidateTerraAddress), nil
	case ProtocolAaveV3:
		return AddressValidatorFunc(ValidateEVMAddress), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s (supported: %s, %s)", protocol, ProtocolAnchor, ProtocolAaveV3)
	}
}
