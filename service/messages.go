package service

import (
	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/node"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/ua"
)

// OpenSecureChannelRequest is the OPN body read by
// DecodeOpenSecureChannelRequest: client protocol version, request type,
// requested security mode, client nonce, requested lifetime. Package
// channel does not decode it; Channel.Open takes its own OpenParams.
type OpenSecureChannelRequest struct {
	Header              RequestHeader
	ClientProtocolVersion uint32
	RequestType         uint32 // 0 = Issue, 1 = Renew
	SecurityMode        uint32 // 1=None, 2=Sign, 3=SignAndEncrypt
	ClientNonce         []byte
	RequestedLifetime   uint32
}

func DecodeOpenSecureChannelRequest(d *ua.Decoder) (OpenSecureChannelRequest, error) {
	var r OpenSecureChannelRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	if r.ClientProtocolVersion, err = d.Uint32(); err != nil {
		return r, err
	}
	if r.RequestType, err = d.Uint32(); err != nil {
		return r, err
	}
	if r.SecurityMode, err = d.Uint32(); err != nil {
		return r, err
	}
	if r.ClientNonce, err = d.ByteString(); err != nil {
		return r, err
	}
	if r.RequestedLifetime, err = d.Uint32(); err != nil {
		return r, err
	}
	return r, nil
}

// OpenSecureChannelResponse answers an Open or Renew.
type OpenSecureChannelResponse struct {
	Header             ResponseHeader
	ServerProtocolVersion uint32
	SecurityToken      ChannelSecurityToken
	ServerNonce        []byte
}

// ChannelSecurityToken names the issued channel/token pair and its lifetime.
type ChannelSecurityToken struct {
	ChannelID       uint32
	TokenID         uint32
	CreatedAt       ua.DataValue // carries Timestamp via SourceTimestamp for reuse of DateTime codec
	RevisedLifetime uint32
}

func (r OpenSecureChannelResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.Uint32(r.ServerProtocolVersion)
	e.Uint32(r.SecurityToken.ChannelID)
	e.Uint32(r.SecurityToken.TokenID)
	e.DateTime(r.SecurityToken.CreatedAt.SourceTimestamp)
	e.Uint32(r.SecurityToken.RevisedLifetime)
	e.ByteString(r.ServerNonce)
	return nil
}

// CreateSessionRequest.
type CreateSessionRequest struct {
	Header           RequestHeader
	ClientDescription ua.LocalizedText
	ServerURI        string
	EndpointURL      string
	SessionName      string
	ClientNonce      []byte
	ClientCertificate []byte
	RequestedSessionTimeout float64
}

func DecodeCreateSessionRequest(d *ua.Decoder) (CreateSessionRequest, error) {
	var r CreateSessionRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	if r.ClientDescription.Locale, err = d.String(); err != nil {
		return r, err
	}
	if r.ClientDescription.Text, err = d.String(); err != nil {
		return r, err
	}
	if r.ServerURI, err = d.String(); err != nil {
		return r, err
	}
	if r.EndpointURL, err = d.String(); err != nil {
		return r, err
	}
	if r.SessionName, err = d.String(); err != nil {
		return r, err
	}
	if r.ClientNonce, err = d.ByteString(); err != nil {
		return r, err
	}
	if r.ClientCertificate, err = d.ByteString(); err != nil {
		return r, err
	}
	sec, err := d.Float64()
	if err != nil {
		return r, err
	}
	r.RequestedSessionTimeout = sec
	return r, nil
}

// CreateSessionResponse.
type CreateSessionResponse struct {
	Header             ResponseHeader
	SessionID          ids.NodeId
	AuthenticationToken ids.NodeId
	RevisedSessionTimeout float64
	ServerNonce        []byte
	ServerCertificate  []byte
	ServerSignature    []byte
}

func (r CreateSessionResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.NodeId(r.SessionID)
	e.NodeId(r.AuthenticationToken)
	e.Float64(r.RevisedSessionTimeout)
	e.ByteString(r.ServerNonce)
	e.ByteString(r.ServerCertificate)
	e.ByteString(r.ServerSignature)
	return nil
}

// ActivateSessionRequest.
type ActivateSessionRequest struct {
	Header          RequestHeader
	ClientSignature []byte
	LocaleIDs       []string
	IdentityToken   IdentityToken
	UserSignature   []byte
}

// IdentityToken is a sum type over the three user identity token kinds:
// anonymous, username/password, and X.509.
type IdentityToken struct {
	Kind     IdentityKind
	UserName string
	Password []byte // ciphertext, policy-bound
	CertificateDER []byte
}

type IdentityKind byte

const (
	IdentityAnonymous IdentityKind = iota
	IdentityUserName
	IdentityX509
)

func DecodeActivateSessionRequest(d *ua.Decoder) (ActivateSessionRequest, error) {
	var r ActivateSessionRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	if r.ClientSignature, err = d.ByteString(); err != nil {
		return r, err
	}
	n, err := d.Int32()
	if err != nil {
		return r, err
	}
	if n > 0 {
		r.LocaleIDs = make([]string, n)
		for i := range r.LocaleIDs {
			if r.LocaleIDs[i], err = d.String(); err != nil {
				return r, err
			}
		}
	}
	kind, err := d.Byte()
	if err != nil {
		return r, err
	}
	r.IdentityToken.Kind = IdentityKind(kind)
	switch r.IdentityToken.Kind {
	case IdentityUserName:
		if r.IdentityToken.UserName, err = d.String(); err != nil {
			return r, err
		}
		if r.IdentityToken.Password, err = d.ByteString(); err != nil {
			return r, err
		}
	case IdentityX509:
		if r.IdentityToken.CertificateDER, err = d.ByteString(); err != nil {
			return r, err
		}
	}
	if r.UserSignature, err = d.ByteString(); err != nil {
		return r, err
	}
	return r, nil
}

// ActivateSessionResponse.
type ActivateSessionResponse struct {
	Header      ResponseHeader
	ServerNonce []byte
	Results     []status.Code // per-locale diagnostics, kept minimal
}

func (r ActivateSessionResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.ByteString(r.ServerNonce)
	e.Int32(int32(len(r.Results)))
	for _, c := range r.Results {
		e.Uint32(uint32(c))
	}
	return nil
}

// CloseSessionRequest/Response.
type CloseSessionRequest struct {
	Header            RequestHeader
	DeleteSubscriptions bool
}

func DecodeCloseSessionRequest(d *ua.Decoder) (CloseSessionRequest, error) {
	var r CloseSessionRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	r.DeleteSubscriptions, err = d.Bool()
	return r, err
}

type CloseSessionResponse struct {
	Header ResponseHeader
}

func (r CloseSessionResponse) Encode(e *ua.Encoder) error { return r.Header.Encode(e) }

// BrowseDescription is one target of a Browse request.
type BrowseDescription struct {
	NodeID          ids.NodeId
	Direction       node.Direction
	Both            bool
	ReferenceTypeID ids.NodeId
	IncludeSubtypes bool
	NodeClassMask   uint32
	ResultMask      uint32
}

type BrowseRequest struct {
	Header                RequestHeader
	RequestedMaxReferencesPerNode uint32
	NodesToBrowse         []BrowseDescription
}

type ReferenceDescription struct {
	ReferenceTypeID ids.NodeId
	IsForward       bool
	NodeID          ids.ExpandedNodeId
	BrowseName      ua.QualifiedName
	DisplayName     ua.LocalizedText
	NodeClass       node.Class
	TypeDefinition  ids.ExpandedNodeId
}

type BrowseResult struct {
	StatusCode        status.Code
	ContinuationPoint []byte
	References        []ReferenceDescription
}

type BrowseResponse struct {
	Header  ResponseHeader
	Results []BrowseResult
}

func (r BrowseResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.Int32(int32(len(r.Results)))
	for _, res := range r.Results {
		e.Uint32(uint32(res.StatusCode))
		e.ByteString(res.ContinuationPoint)
		e.Int32(int32(len(res.References)))
		for _, ref := range res.References {
			e.NodeId(ref.ReferenceTypeID)
			e.Bool(ref.IsForward)
			e.ExpandedNodeId(ref.NodeID)
			e.Uint16(ref.BrowseName.NamespaceIndex)
			e.String(ref.BrowseName.Name)
			encodeLocalizedText(e, ref.DisplayName)
			e.Uint32(uint32(ref.NodeClass))
			e.ExpandedNodeId(ref.TypeDefinition)
		}
	}
	return nil
}

func encodeLocalizedText(e *ua.Encoder, lt ua.LocalizedText) {
	var mask byte
	if lt.Locale != "" {
		mask |= 1
	}
	if lt.Text != "" {
		mask |= 2
	}
	e.Byte(mask)
	if mask&1 != 0 {
		e.String(lt.Locale)
	}
	if mask&2 != 0 {
		e.String(lt.Text)
	}
}

// BrowseNextRequest/Response.
type BrowseNextRequest struct {
	Header               RequestHeader
	ReleaseContinuationPoints bool
	ContinuationPoints   [][]byte
}

type BrowseNextResponse struct {
	Header  ResponseHeader
	Results []BrowseResult
}

func (r BrowseNextResponse) Encode(e *ua.Encoder) error {
	return BrowseResponse{Header: r.Header, Results: r.Results}.Encode(e)
}

// RelativePathElement and BrowsePath.
type RelativePathElement struct {
	ReferenceTypeID ids.NodeId
	IsInverse       bool
	IncludeSubtypes bool
	TargetName      ua.QualifiedName
}

type BrowsePath struct {
	StartingNode ids.NodeId
	RelativePath []RelativePathElement
}

type TranslateBrowsePathsToNodeIdsRequest struct {
	Header     RequestHeader
	BrowsePaths []BrowsePath
}

type BrowsePathTarget struct {
	TargetID ids.ExpandedNodeId
	RemainingPathIndex uint32
}

type BrowsePathResult struct {
	StatusCode status.Code
	Targets    []BrowsePathTarget
}

type TranslateBrowsePathsToNodeIdsResponse struct {
	Header  ResponseHeader
	Results []BrowsePathResult
}

func (r TranslateBrowsePathsToNodeIdsResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.Int32(int32(len(r.Results)))
	for _, res := range r.Results {
		e.Uint32(uint32(res.StatusCode))
		e.Int32(int32(len(res.Targets)))
		for _, t := range res.Targets {
			e.ExpandedNodeId(t.TargetID)
			e.Uint32(t.RemainingPathIndex)
		}
	}
	return nil
}

// ReadValueID / ReadRequest / ReadResponse.
type ReadValueID struct {
	NodeID      ids.NodeId
	AttributeID node.AttributeID
	IndexRange  string
}

type ReadRequest struct {
	Header           RequestHeader
	MaxAge           float64
	TimestampsToReturn uint32
	NodesToRead      []ReadValueID
}

func DecodeReadRequest(d *ua.Decoder) (ReadRequest, error) {
	var r ReadRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	if r.MaxAge, err = d.Float64(); err != nil {
		return r, err
	}
	if r.TimestampsToReturn, err = d.Uint32(); err != nil {
		return r, err
	}
	n, err := arrayLen(d)
	if err != nil {
		return r, err
	}
	r.NodesToRead = make([]ReadValueID, n)
	for i := range r.NodesToRead {
		nid, err := d.NodeId()
		if err != nil {
			return r, err
		}
		attr, err := d.Uint32()
		if err != nil {
			return r, err
		}
		rng, err := d.String()
		if err != nil {
			return r, err
		}
		r.NodesToRead[i] = ReadValueID{NodeID: nid, AttributeID: node.AttributeID(attr), IndexRange: rng}
	}
	return r, nil
}

type ReadResponse struct {
	Header  ResponseHeader
	Results []ua.DataValue
}

func (r ReadResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.Int32(int32(len(r.Results)))
	for _, dv := range r.Results {
		if err := dv.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// WriteValue / WriteRequest / WriteResponse.
type WriteValue struct {
	NodeID      ids.NodeId
	AttributeID node.AttributeID
	IndexRange  string
	Value       ua.DataValue
}

type WriteRequest struct {
	Header      RequestHeader
	NodesToWrite []WriteValue
}

func DecodeWriteRequest(d *ua.Decoder) (WriteRequest, error) {
	var r WriteRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	n, err := arrayLen(d)
	if err != nil {
		return r, err
	}
	r.NodesToWrite = make([]WriteValue, n)
	for i := range r.NodesToWrite {
		nid, err := d.NodeId()
		if err != nil {
			return r, err
		}
		attr, err := d.Uint32()
		if err != nil {
			return r, err
		}
		rng, err := d.String()
		if err != nil {
			return r, err
		}
		dv, err := ua.DecodeDataValue(d)
		if err != nil {
			return r, err
		}
		r.NodesToWrite[i] = WriteValue{NodeID: nid, AttributeID: node.AttributeID(attr), IndexRange: rng, Value: dv}
	}
	return r, nil
}

type WriteResponse struct {
	Header  ResponseHeader
	Results []status.Code
}

func (r WriteResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.Int32(int32(len(r.Results)))
	for _, c := range r.Results {
		e.Uint32(uint32(c))
	}
	return nil
}

// CallMethodRequest/Result and CallRequest/Response.
type CallMethodRequest struct {
	ObjectID     ids.NodeId
	MethodID     ids.NodeId
	InputArguments []ua.Variant
}

type CallRequest struct {
	Header     RequestHeader
	MethodsToCall []CallMethodRequest
}

func DecodeCallRequest(d *ua.Decoder) (CallRequest, error) {
	var r CallRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	n, err := arrayLen(d)
	if err != nil {
		return r, err
	}
	r.MethodsToCall = make([]CallMethodRequest, n)
	for i := range r.MethodsToCall {
		obj, err := d.NodeId()
		if err != nil {
			return r, err
		}
		meth, err := d.NodeId()
		if err != nil {
			return r, err
		}
		argc, err := arrayLen(d)
		if err != nil {
			return r, err
		}
		args := make([]ua.Variant, argc)
		for j := range args {
			args[j], err = ua.DecodeVariant(d)
			if err != nil {
				return r, err
			}
		}
		r.MethodsToCall[i] = CallMethodRequest{ObjectID: obj, MethodID: meth, InputArguments: args}
	}
	return r, nil
}

type CallMethodResult struct {
	StatusCode        status.Code
	InputArgumentResults []status.Code
	OutputArguments    []ua.Variant
}

type CallResponse struct {
	Header  ResponseHeader
	Results []CallMethodResult
}

func (r CallResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.Int32(int32(len(r.Results)))
	for _, res := range r.Results {
		e.Uint32(uint32(res.StatusCode))
		e.Int32(int32(len(res.InputArgumentResults)))
		for _, c := range res.InputArgumentResults {
			e.Uint32(uint32(c))
		}
		e.Int32(int32(len(res.OutputArguments)))
		for _, v := range res.OutputArguments {
			if err := v.Encode(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateSubscriptionRequest/Response.
type CreateSubscriptionRequest struct {
	Header                    RequestHeader
	RequestedPublishingInterval float64
	RequestedLifetimeCount    uint32
	RequestedMaxKeepAliveCount uint32
	MaxNotificationsPerPublish uint32
	PublishingEnabled         bool
	Priority                  byte
}

type CreateSubscriptionResponse struct {
	Header                  ResponseHeader
	SubscriptionID          uint32
	RevisedPublishingInterval float64
	RevisedLifetimeCount    uint32
	RevisedMaxKeepAliveCount uint32
}

func (r CreateSubscriptionResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.Uint32(r.SubscriptionID)
	e.Float64(r.RevisedPublishingInterval)
	e.Uint32(r.RevisedLifetimeCount)
	e.Uint32(r.RevisedMaxKeepAliveCount)
	return nil
}

// SubscriptionAcknowledgement / PublishRequest / PublishResponse.
type SubscriptionAcknowledgement struct {
	SubscriptionID uint32
	SequenceNumber uint32
}

type PublishRequest struct {
	Header            RequestHeader
	SubscriptionAcknowledgements []SubscriptionAcknowledgement
}

type DataChangeNotification struct {
	MonitoredItemID uint32
	Value           ua.DataValue
}

type NotificationMessage struct {
	SequenceNumber uint32
	PublishTime    RequestHeader // not set by the engine and not written by any Encode method
	DataChanges    []DataChangeNotification
}

type PublishResponse struct {
	Header                ResponseHeader
	SubscriptionID        uint32
	AvailableSequenceNumbers []uint32
	MoreNotifications     bool
	NotificationMessage   NotificationMessage
	Results               []status.Code // per-ack result
}

func (r PublishResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.Uint32(r.SubscriptionID)
	e.Int32(int32(len(r.AvailableSequenceNumbers)))
	for _, sn := range r.AvailableSequenceNumbers {
		e.Uint32(sn)
	}
	e.Bool(r.MoreNotifications)
	e.Uint32(r.NotificationMessage.SequenceNumber)
	e.Int32(int32(len(r.NotificationMessage.DataChanges)))
	for _, dc := range r.NotificationMessage.DataChanges {
		e.Uint32(dc.MonitoredItemID)
		if err := dc.Value.Encode(e); err != nil {
			return err
		}
	}
	e.Int32(int32(len(r.Results)))
	for _, c := range r.Results {
		e.Uint32(uint32(c))
	}
	return nil
}

// RepublishRequest/Response.
type RepublishRequest struct {
	Header         RequestHeader
	SubscriptionID uint32
	RetransmitSequenceNumber uint32
}

func DecodeRepublishRequest(d *ua.Decoder) (RepublishRequest, error) {
	var r RepublishRequest
	var err error
	if r.Header, err = DecodeRequestHeader(d); err != nil {
		return r, err
	}
	if r.SubscriptionID, err = d.Uint32(); err != nil {
		return r, err
	}
	r.RetransmitSequenceNumber, err = d.Uint32()
	return r, err
}

type RepublishResponse struct {
	Header              ResponseHeader
	NotificationMessage NotificationMessage
}

func (r RepublishResponse) Encode(e *ua.Encoder) error {
	if err := r.Header.Encode(e); err != nil {
		return err
	}
	e.Uint32(r.NotificationMessage.SequenceNumber)
	e.Int32(int32(len(r.NotificationMessage.DataChanges)))
	for _, dc := range r.NotificationMessage.DataChanges {
		e.Uint32(dc.MonitoredItemID)
		if err := dc.Value.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
