package classifier

import (
	"errors"

	"Go2NetDPI/internal/engine"
)

var (
	// ErrUnsupportedLinkType is returned for frames that are not Ethernet/IPv4
	// or too short to hold the expected headers.
	ErrUnsupportedLinkType = errors.New("unsupported link type")
	// ErrFragmentedPacket is returned for IPv4 fragments with a non-zero offset.
	ErrFragmentedPacket = errors.New("fragmented packet")
	// ErrMalformedHeader is returned when declared lengths do not fit the captured bytes.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrNoFlow is returned when no usable flow record is supplied.
	ErrNoFlow = errors.New("no flow")
	// ErrAllocationFailure is returned when scratch state cannot be allocated.
	ErrAllocationFailure = errors.New("allocation failure")
	// ErrEngineDisabled is returned when the detection engine is unavailable.
	ErrEngineDisabled = engine.ErrEngineDisabled
	// ErrClosed is returned by operations on a closed classifier.
	ErrClosed = errors.New("classifier closed")
)

// Codes reported by Code.
const (
	CodeOK                  = 0
	CodeUnsupportedLinkType = -10
	CodeFragmentedPacket    = -11
	CodeNoFlow              = -12
	CodeMalformedHeader     = -13
	CodeAllocationFailure   = -14
	CodeClosed              = -15
	CodeEngineDisabled      = -0x1000
	CodeUnknown             = -1
)

// Code maps an error returned by this package to its negative numeric code.
func Code(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrEngineDisabled):
		return CodeEngineDisabled
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrUnsupportedLinkType):
		return CodeUnsupportedLinkType
	case errors.Is(err, ErrFragmentedPacket):
		return CodeFragmentedPacket
	case errors.Is(err, ErrNoFlow):
		return CodeNoFlow
	case errors.Is(err, ErrMalformedHeader):
		return CodeMalformedHeader
	case errors.Is(err, ErrAllocationFailure):
		return CodeAllocationFailure
	default:
		return CodeUnknown
	}
}
