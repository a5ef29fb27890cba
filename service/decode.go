package service

import (
	"github.com/fenwick-automation/opcuacore/node"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/ua"
)

// arrayLen reads an i32 array length, mapping the null marker -1 to zero and
// rejecting any other negative value.
func arrayLen(d *ua.Decoder) (int, error) {
	n, err := d.Int32()
	if err != nil {
		return 0, err
	}
	if n == -1 {
		return 0, nil
	}
	if n < 0 {
		return 0, status.New("decode array length", status.BadDecodingError)
	}
	return int(n), nil
}

// Wire values of the BrowseDirection enumeration.
const (
	browseDirectionForward uint32 = iota
	browseDirectionInverse
	browseDirectionBoth
)

func DecodeBrowseRequest(d *ua.Decoder) (BrowseRequest, error) {
	var r BrowseRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	// ViewDescription (view id, timestamp, version); views are not part of
	// the browse path here, so the fields are decoded and dropped.
	if _, err = d.NodeId(); err != nil {
		return r, err
	}
	if _, err = d.DateTime(); err != nil {
		return r, err
	}
	if _, err = d.Uint32(); err != nil {
		return r, err
	}
	if r.RequestedMaxReferencesPerNode, err = d.Uint32(); err != nil {
		return r, err
	}
	n, err := arrayLen(d)
	if err != nil {
		return r, err
	}
	r.NodesToBrowse = make([]BrowseDescription, n)
	for i := range r.NodesToBrowse {
		var bd BrowseDescription
		if bd.NodeID, err = d.NodeId(); err != nil {
			return r, err
		}
		dir, err := d.Uint32()
		if err != nil {
			return r, err
		}
		switch dir {
		case browseDirectionForward:
			bd.Direction = node.Forward
		case browseDirectionInverse:
			bd.Direction = node.Inverse
		case browseDirectionBoth:
			bd.Both = true
		}
		if bd.ReferenceTypeID, err = d.NodeId(); err != nil {
			return r, err
		}
		if bd.IncludeSubtypes, err = d.Bool(); err != nil {
			return r, err
		}
		if bd.NodeClassMask, err = d.Uint32(); err != nil {
			return r, err
		}
		if bd.ResultMask, err = d.Uint32(); err != nil {
			return r, err
		}
		r.NodesToBrowse[i] = bd
	}
	return r, nil
}

func DecodeBrowseNextRequest(d *ua.Decoder) (BrowseNextRequest, error) {
	var r BrowseNextRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	if r.ReleaseContinuationPoints, err = d.Bool(); err != nil {
		return r, err
	}
	n, err := arrayLen(d)
	if err != nil {
		return r, err
	}
	r.ContinuationPoints = make([][]byte, n)
	for i := range r.ContinuationPoints {
		if r.ContinuationPoints[i], err = d.ByteString(); err != nil {
			return r, err
		}
	}
	return r, nil
}

func DecodeTranslateBrowsePathsRequest(d *ua.Decoder) (TranslateBrowsePathsToNodeIdsRequest, error) {
	var r TranslateBrowsePathsToNodeIdsRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	n, err := arrayLen(d)
	if err != nil {
		return r, err
	}
	r.BrowsePaths = make([]BrowsePath, n)
	for i := range r.BrowsePaths {
		var bp BrowsePath
		if bp.StartingNode, err = d.NodeId(); err != nil {
			return r, err
		}
		m, err := arrayLen(d)
		if err != nil {
			return r, err
		}
		bp.RelativePath = make([]RelativePathElement, m)
		for j := range bp.RelativePath {
			var el RelativePathElement
			if el.ReferenceTypeID, err = d.NodeId(); err != nil {
				return r, err
			}
			if el.IsInverse, err = d.Bool(); err != nil {
				return r, err
			}
			if el.IncludeSubtypes, err = d.Bool(); err != nil {
				return r, err
			}
			if el.TargetName.NamespaceIndex, err = d.Uint16(); err != nil {
				return r, err
			}
			if el.TargetName.Name, err = d.String(); err != nil {
				return r, err
			}
			bp.RelativePath[j] = el
		}
		r.BrowsePaths[i] = bp
	}
	return r, nil
}

func DecodeCreateSubscriptionRequest(d *ua.Decoder) (CreateSubscriptionRequest, error) {
	var r CreateSubscriptionRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	if r.RequestedPublishingInterval, err = d.Float64(); err != nil {
		return r, err
	}
	if r.RequestedLifetimeCount, err = d.Uint32(); err != nil {
		return r, err
	}
	if r.RequestedMaxKeepAliveCount, err = d.Uint32(); err != nil {
		return r, err
	}
	if r.MaxNotificationsPerPublish, err = d.Uint32(); err != nil {
		return r, err
	}
	if r.PublishingEnabled, err = d.Bool(); err != nil {
		return r, err
	}
	r.Priority, err = d.Byte()
	return r, err
}

func DecodePublishRequest(d *ua.Decoder) (PublishRequest, error) {
	var r PublishRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	n, err := arrayLen(d)
	if err != nil {
		return r, err
	}
	r.SubscriptionAcknowledgements = make([]SubscriptionAcknowledgement, n)
	for i := range r.SubscriptionAcknowledgements {
		var ack SubscriptionAcknowledgement
		if ack.SubscriptionID, err = d.Uint32(); err != nil {
			return r, err
		}
		if ack.SequenceNumber, err = d.Uint32(); err != nil {
			return r, err
		}
		r.SubscriptionAcknowledgements[i] = ack
	}
	return r, nil
}
