// Package status defines the OPC UA status code domain used across the
// engine: a 32-bit code with severity bits plus the symbolic names used
// throughout the wire protocol and the service layer.
package status

import "fmt"

// Code is the 32-bit StatusCode as put on the wire: the two high bits carry
// severity, the next fourteen carry a sub-code, and the low sixteen carry
// structure/info bits that this engine does not interpret.
type Code uint32

// severityMask masks the two high bits of a Code.
const severityMask Code = 0xC0000000

const (
	severityGood      Code = 0x00000000
	severityUncertain Code = 0x40000000
	severityBad       Code = 0x80000000
)

// IsGood, IsUncertain and IsBad classify a Code by its severity bits.
func (c Code) IsGood() bool      { return c&severityMask == severityGood }
func (c Code) IsUncertain() bool { return c&severityMask == severityUncertain }
func (c Code) IsBad() bool       { return c&severityMask == severityBad }

// The well-known codes used across the engine. Values follow the OPC
// Foundation Part 6 "Opc.Ua.StatusCodes.csv" numbering so that wire
// round-trips against real clients/servers line up.
const (
	Good Code = 0x00000000

	// decoding and framing
	BadDecodingError          Code = 0x80070000
	BadEncodingLimitsExceeded Code = 0x80080000
	BadTcpMessageTypeInvalid  Code = 0x807E0000
	BadTcpMessageTooLarge     Code = 0x80800000

	// channel security
	BadSecurityChecksFailed      Code = 0x80130000
	BadSecureChannelIDInvalid    Code = 0x80220000
	BadTooManySessions           Code = 0x80560000
	BadSecureChannelClosed       Code = 0x80860000
	BadSecureChannelTokenUnknown Code = 0x80870000

	// certificate validation
	BadCertificateInvalid           Code = 0x80120000
	BadCertificateTimeInvalid       Code = 0x80140000
	BadCertificateIssuerTimeInvalid Code = 0x80150000
	BadCertificateUriInvalid        Code = 0x80170000
	BadCertificateUseNotAllowed     Code = 0x80180000
	BadCertificateUntrusted         Code = 0x801A0000
	BadCertificateRevoked           Code = 0x801D0000
	BadCertificateIssuerRevoked     Code = 0x801E0000
	BadCertificateChainIncomplete   Code = 0x810D0000

	// session and identity
	BadUserAccessDenied      Code = 0x801F0000
	BadIdentityTokenInvalid  Code = 0x80200000
	BadIdentityTokenRejected Code = 0x80210000
	BadSessionIDInvalid      Code = 0x80250000
	BadSessionClosed         Code = 0x80260000
	BadSessionNotActivated   Code = 0x80270000

	// address space
	BadNodeIDUnknown            Code = 0x80340000
	BadAttributeIDInvalid       Code = 0x80350000
	BadIndexRangeInvalid        Code = 0x80360000
	BadIndexRangeNoData         Code = 0x80370000
	BadNotWritable              Code = 0x803B0000
	BadOutOfRange               Code = 0x803C0000
	BadNotFound                 Code = 0x803E0000
	BadContinuationPointInvalid Code = 0x804A0000
	BadNoContinuationPoints     Code = 0x804B0000
	BadBrowseDirectionInvalid   Code = 0x804D0000
	BadNodeIDExists             Code = 0x805E0000
	BadWriteNotSupported        Code = 0x80730000
	BadTypeMismatch             Code = 0x80740000
	BadMethodInvalid            Code = 0x80750000
	BadArgumentsMissing         Code = 0x80760000
	BadInvalidArgument          Code = 0x80AB0000
	BadTooManyArguments         Code = 0x80E50000
	BadNotExecutable            Code = 0x81110000

	// subscriptions and monitored items
	BadSubscriptionIDInvalid  Code = 0x80280000
	BadMonitoringModeInvalid  Code = 0x80410000
	BadMonitoredItemIDInvalid Code = 0x80420000
	BadTooManySubscriptions   Code = 0x80770000
	BadTooManyPublishRequests Code = 0x80780000
	BadNoSubscription         Code = 0x80790000
	BadSequenceNumberUnknown  Code = 0x807A0000
	BadMessageNotAvailable    Code = 0x807B0000
	BadTooManyMonitoredItems  Code = 0x80DB0000

	// resources
	BadInternalError      Code = 0x80020000
	BadOutOfMemory        Code = 0x80030000
	BadTimeout            Code = 0x800A0000
	BadServiceUnsupported Code = 0x800B0000
	BadRequestTooLarge    Code = 0x80B80000
	BadResponseTooLarge   Code = 0x80B90000
)

var names = map[Code]string{
	Good:                         "Good",
	BadDecodingError:             "BadDecodingError",
	BadEncodingLimitsExceeded:    "BadEncodingLimitsExceeded",
	BadTcpMessageTooLarge:        "BadTcpMessageTooLarge",
	BadTcpMessageTypeInvalid:     "BadTcpMessageTypeInvalid",
	BadSecurityChecksFailed:      "BadSecurityChecksFailed",
	BadSecureChannelTokenUnknown: "BadSecureChannelTokenUnknown",
	BadSecureChannelClosed:       "BadSecureChannelClosed",
	BadTooManySessions:           "BadTooManySessions",
	BadSecureChannelIDInvalid:    "BadSecureChannelIDInvalid",
	BadCertificateTimeInvalid:       "BadCertificateTimeInvalid",
	BadCertificateIssuerTimeInvalid: "BadCertificateIssuerTimeInvalid",
	BadCertificateRevoked:           "BadCertificateRevoked",
	BadCertificateIssuerRevoked:     "BadCertificateIssuerRevoked",
	BadCertificateUntrusted:         "BadCertificateUntrusted",
	BadCertificateChainIncomplete:   "BadCertificateChainIncomplete",
	BadCertificateUseNotAllowed:     "BadCertificateUseNotAllowed",
	BadCertificateUriInvalid:        "BadCertificateUriInvalid",
	BadCertificateInvalid:           "BadCertificateInvalid",
	BadSessionIDInvalid:      "BadSessionIdInvalid",
	BadSessionClosed:         "BadSessionClosed",
	BadSessionNotActivated:   "BadSessionNotActivated",
	BadUserAccessDenied:      "BadUserAccessDenied",
	BadIdentityTokenInvalid:  "BadIdentityTokenInvalid",
	BadIdentityTokenRejected: "BadIdentityTokenRejected",
	BadNodeIDUnknown:            "BadNodeIdUnknown",
	BadNodeIDExists:             "BadNodeIdExists",
	BadAttributeIDInvalid:       "BadAttributeIdInvalid",
	BadIndexRangeInvalid:        "BadIndexRangeInvalid",
	BadIndexRangeNoData:         "BadIndexRangeNoData",
	BadTypeMismatch:             "BadTypeMismatch",
	BadWriteNotSupported:        "BadWriteNotSupported",
	BadNotWritable:              "BadNotWritable",
	BadNotFound:                 "BadNotFound",
	BadBrowseDirectionInvalid:   "BadBrowseDirectionInvalid",
	BadNoContinuationPoints:     "BadNoContinuationPoints",
	BadContinuationPointInvalid: "BadContinuationPointInvalid",
	BadMethodInvalid:            "BadMethodInvalid",
	BadArgumentsMissing:         "BadArgumentsMissing",
	BadTooManyArguments:         "BadTooManyArguments",
	BadNotExecutable:            "BadNotExecutable",
	BadInvalidArgument:          "BadInvalidArgument",
	BadOutOfRange:               "BadOutOfRange",
	BadSubscriptionIDInvalid:  "BadSubscriptionIdInvalid",
	BadMessageNotAvailable:    "BadMessageNotAvailable",
	BadTooManyPublishRequests: "BadTooManyPublishRequests",
	BadTooManySubscriptions:   "BadTooManySubscriptions",
	BadTooManyMonitoredItems:  "BadTooManyMonitoredItems",
	BadNoSubscription:         "BadNoSubscription",
	BadSequenceNumberUnknown:  "BadSequenceNumberUnknown",
	BadMonitoredItemIDInvalid: "BadMonitoredItemIdInvalid",
	BadMonitoringModeInvalid:  "BadMonitoringModeInvalid",
	BadOutOfMemory:        "BadOutOfMemory",
	BadInternalError:      "BadInternalError",
	BadServiceUnsupported: "BadServiceUnsupported",
	BadTimeout:            "BadTimeout",
	BadRequestTooLarge:    "BadRequestTooLarge",
	BadResponseTooLarge:   "BadResponseTooLarge",
}

// String returns the symbolic name, falling back to the raw hex value.
func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(%#08x)", uint32(c))
}

// Error reports a failed operation tagged with its status Code. Use Error
// instead of a bare Code whenever a Go error value is required, e.g. when a
// decode failure must propagate through an io.Reader chain before a
// service-level status array can be built.
type Error struct {
	Code Code
	Op   string // short operation description, e.g. "decode NodeId"
}

// New wraps a Code as an error tagged with the failing operation.
func New(op string, code Code) *Error {
	return &Error{Code: code, Op: op}
}

// Error implements the builtin error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Of returns the Code carried by err, if any, and whether one was found.
// Unrelated errors report (Good, false); callers must not mistake that for
// an actual Good status.
func Of(err error) (Code, bool) {
	if err == nil {
		return Good, false
	}
	var se *Error
	if e, ok := err.(*Error); ok {
		se = e
	} else {
		return Good, false
	}
	return se.Code, true
}
