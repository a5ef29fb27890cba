package service

import "github.com/fenwick-automation/opcuacore/ids"

// NodeIds of each request type's DefaultBinary encoding, as carried in the
// ExpandedNodeId that prefixes every message body. Values are the
// standard namespace-0 numeric identifiers from Part 6.
var (
	OpenSecureChannelRequestID  = ids.NewNumeric(0, 446)
	CloseSecureChannelRequestID = ids.NewNumeric(0, 452)

	CreateSessionRequestID   = ids.NewNumeric(0, 461)
	ActivateSessionRequestID = ids.NewNumeric(0, 467)
	CloseSessionRequestID    = ids.NewNumeric(0, 473)

	BrowseRequestID          = ids.NewNumeric(0, 527)
	BrowseNextRequestID      = ids.NewNumeric(0, 533)
	TranslateBrowsePathsRequestID = ids.NewNumeric(0, 554)
	ReadRequestID            = ids.NewNumeric(0, 631)
	WriteRequestID           = ids.NewNumeric(0, 673)
	CallRequestID            = ids.NewNumeric(0, 712)

	CreateSubscriptionRequestID = ids.NewNumeric(0, 787)
	PublishRequestID            = ids.NewNumeric(0, 826)
	RepublishRequestID          = ids.NewNumeric(0, 832)
)
