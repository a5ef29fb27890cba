package opcuacore

import (
	"crypto/rsa"
	"sort"
	"time"

	"github.com/agext/uuid"

	"github.com/fenwick-automation/opcuacore/addrspace"
	"github.com/fenwick-automation/opcuacore/channel"
	"github.com/fenwick-automation/opcuacore/crypto"
	"github.com/fenwick-automation/opcuacore/dispatch"
	"github.com/fenwick-automation/opcuacore/service"
	"github.com/fenwick-automation/opcuacore/session"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/ua"
)

// registerHandlers fills the dispatch table: one entry per request
// binary-encoding NodeId. OpenSecureChannel/CloseSecureChannel are absent
// on purpose — they never travel as MSG bodies; the channel engine handles
// them at the OPN/CLO chunk level.
func (s *Server) registerHandlers() {
	t := s.Table
	t.Register(service.CreateSessionRequestID, s.handleCreateSession)
	t.Register(service.ActivateSessionRequestID, s.handleActivateSession)
	t.Register(service.CloseSessionRequestID, s.handleCloseSession)
	t.Register(service.BrowseRequestID, s.handleBrowse)
	t.Register(service.BrowseNextRequestID, s.handleBrowseNext)
	t.Register(service.TranslateBrowsePathsRequestID, s.handleTranslateBrowsePaths)
	t.Register(service.ReadRequestID, s.handleRead)
	t.Register(service.WriteRequestID, s.handleWrite)
	t.Register(service.CallRequestID, s.handleCall)
	t.Register(service.CreateSubscriptionRequestID, s.handleCreateSubscription)
	t.Register(service.PublishRequestID, s.handlePublish)
	t.Register(service.RepublishRequestID, s.handleRepublish)
}

func (s *Server) newNonce() []byte {
	return []byte(uuid.NewCrypto())
}

// activated resolves the session a request header names and requires it to
// be in state Activated, recording the activity for the timeout sweep.
func (s *Server) activated(h service.RequestHeader) (*session.Session, error) {
	sess, code := s.Sessions.Lookup(h.AuthenticationToken)
	if code != status.Good {
		return nil, status.New("session lookup", code)
	}
	if sess.State() != session.Activated {
		return nil, status.New("session state", status.BadSessionNotActivated)
	}
	sess.Touch()
	return sess, nil
}

func (s *Server) handleCreateSession(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeCreateSessionRequest(d)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxSessions > 0 && s.Sessions.Len() >= s.cfg.MaxSessions {
		return nil, status.New("CreateSession", status.BadTooManySessions)
	}

	sess := s.Sessions.Create(session.CreateParams{
		ChannelID:        ctx.ChannelID,
		ClientCertDER:    req.ClientCertificate,
		RequestedTimeout: time.Duration(req.RequestedSessionTimeout * float64(time.Millisecond)),
	})
	nonce := s.newNonce()
	sess.SetServerNonce(nonce)

	// server signature over (client cert || client nonce)
	var sig []byte
	if s.localKey != nil && s.adapter != nil {
		signed := append(append([]byte{}, req.ClientCertificate...), req.ClientNonce...)
		sig, err = s.adapter.SignAsymmetric(s.localKey, signed)
		if err != nil {
			return nil, status.New("CreateSession signature", status.BadInternalError)
		}
	}

	return service.CreateSessionResponse{
		Header:                service.NewResponseHeader(req.Header, time.Now(), status.Good),
		SessionID:             sess.ID,
		AuthenticationToken:   sess.AuthenticationToken,
		RevisedSessionTimeout: float64(sess.Timeout()) / float64(time.Millisecond),
		ServerNonce:           nonce,
		ServerCertificate:     s.localCertDER,
		ServerSignature:       sig,
	}, nil
}

func (s *Server) handleActivateSession(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeActivateSessionRequest(d)
	if err != nil {
		return nil, err
	}
	sess, code := s.Sessions.Lookup(req.Header.AuthenticationToken)
	if code != status.Good {
		return nil, status.New("ActivateSession", code)
	}

	secured := false
	if ch, code := s.Channels.Get(ctx.ChannelID); code == status.Good {
		secured = ch.Mode() != channel.ModeNone
	}

	if secured {
		if err := s.verifyClientSignature(sess, req.ClientSignature); err != nil {
			return nil, err
		}
	}
	if err := s.verifyIdentity(req.IdentityToken, secured); err != nil {
		return nil, err
	}

	// (re)bind to the current channel: a session may be re-activated
	// on a different channel after proving possession of the credential.
	if prev := sess.ChannelID(); prev != ctx.ChannelID {
		s.Channels.UnbindSession(prev, sess.AuthenticationToken)
	}
	sess.Activate(ctx.ChannelID)
	s.Channels.BindSession(ctx.ChannelID, sess.AuthenticationToken)

	nonce := s.newNonce()
	sess.SetServerNonce(nonce)

	return service.ActivateSessionResponse{
		Header:      service.NewResponseHeader(req.Header, time.Now(), status.Good),
		ServerNonce: nonce,
	}, nil
}

// verifyClientSignature checks the client's proof of key possession: a
// signature over (server cert || server nonce) with the private key of the
// certificate presented at CreateSession.
func (s *Server) verifyClientSignature(sess *session.Session, clientSig []byte) error {
	if s.adapter == nil {
		return status.New("ActivateSession", status.BadSecurityChecksFailed)
	}
	cert, err := crypto.ParseCertificate(sess.ClientCertificate())
	if err != nil {
		return status.New("ActivateSession client cert", status.BadCertificateInvalid)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return status.New("ActivateSession client cert", status.BadCertificateInvalid)
	}
	signed := append(append([]byte{}, s.localCertDER...), sess.ServerNonce()...)
	if err := s.adapter.VerifyAsymmetric(pub, signed, clientSig); err != nil {
		return status.New("ActivateSession signature", status.BadSecurityChecksFailed)
	}
	return nil
}

func (s *Server) verifyIdentity(tok service.IdentityToken, secured bool) error {
	switch tok.Kind {
	case service.IdentityAnonymous:
		return nil
	case service.IdentityUserName:
		if s.Users == nil {
			return status.New("ActivateSession identity", status.BadIdentityTokenRejected)
		}
		password := tok.Password
		if secured && s.adapter != nil && s.localKey != nil {
			plain, err := s.adapter.DecryptAsymmetric(s.localKey, tok.Password)
			if err != nil {
				return status.New("ActivateSession password", status.BadIdentityTokenInvalid)
			}
			password = plain
		}
		if code := s.Users.Authenticate(tok.UserName, password); code != status.Good {
			return status.New("ActivateSession identity", status.BadUserAccessDenied)
		}
		return nil
	case service.IdentityX509:
		if code := s.Validator.Validate(tok.CertificateDER, nil); code != status.Good {
			return status.New("ActivateSession identity", status.BadIdentityTokenInvalid)
		}
		return nil
	default:
		return status.New("ActivateSession identity", status.BadIdentityTokenInvalid)
	}
}

func (s *Server) handleCloseSession(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeCloseSessionRequest(d)
	if err != nil {
		return nil, err
	}
	sess, code := s.Sessions.Lookup(req.Header.AuthenticationToken)
	if code != status.Good {
		return nil, status.New("CloseSession", code)
	}

	if req.DeleteSubscriptions {
		for _, subID := range sess.SubscriptionIDs() {
			s.Subscriptions.Delete(subID)
		}
	}
	s.dropSessionState(sess)
	s.Channels.UnbindSession(sess.ChannelID(), sess.AuthenticationToken)
	sess.Close()
	s.Sessions.Remove(sess.AuthenticationToken)

	return service.CloseSessionResponse{
		Header: service.NewResponseHeader(req.Header, time.Now(), status.Good),
	}, nil
}

func (s *Server) handleBrowse(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeBrowseRequest(d)
	if err != nil {
		return nil, err
	}
	sess, err := s.activated(req.Header)
	if err != nil {
		return nil, err
	}

	results := make([]service.BrowseResult, len(req.NodesToBrowse))
	for i, desc := range req.NodesToBrowse {
		res, cursor := s.Space.Browse(desc.NodeID, desc, req.RequestedMaxReferencesPerNode)
		if cursor != nil {
			res.ContinuationPoint = s.storeCursor(sess, cursor, req.RequestedMaxReferencesPerNode)
		}
		results[i] = res
	}
	return service.BrowseResponse{
		Header:  service.NewResponseHeader(req.Header, time.Now(), status.Good),
		Results: results,
	}, nil
}

func (s *Server) storeCursor(sess *session.Session, cursor *addrspace.BrowseCursor, pageSize uint32) []byte {
	cookie := sess.AddContinuationPoint(nil)
	s.mu.Lock()
	s.cursors[string(cookie)] = cursorEntry{cursor: cursor, owner: sess.AuthenticationToken, pageSize: pageSize}
	s.mu.Unlock()
	return cookie
}

func (s *Server) takeCursor(sess *session.Session, cookie []byte) (cursorEntry, bool) {
	if _, ok := sess.TakeContinuationPoint(cookie); !ok {
		return cursorEntry{}, false
	}
	s.mu.Lock()
	entry, ok := s.cursors[string(cookie)]
	delete(s.cursors, string(cookie))
	s.mu.Unlock()
	return entry, ok
}

func (s *Server) handleBrowseNext(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeBrowseNextRequest(d)
	if err != nil {
		return nil, err
	}
	sess, err := s.activated(req.Header)
	if err != nil {
		return nil, err
	}

	results := make([]service.BrowseResult, len(req.ContinuationPoints))
	for i, cookie := range req.ContinuationPoints {
		entry, ok := s.takeCursor(sess, cookie)
		if !ok {
			results[i] = service.BrowseResult{StatusCode: status.BadContinuationPointInvalid}
			continue
		}
		if req.ReleaseContinuationPoints {
			results[i] = service.BrowseResult{StatusCode: status.Good}
			continue
		}
		res, next := s.Space.BrowseNext(entry.cursor, entry.pageSize)
		if next != nil {
			res.ContinuationPoint = s.storeCursor(sess, next, entry.pageSize)
		}
		results[i] = res
	}
	return service.BrowseNextResponse{
		Header:  service.NewResponseHeader(req.Header, time.Now(), status.Good),
		Results: results,
	}, nil
}

func (s *Server) handleTranslateBrowsePaths(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeTranslateBrowsePathsRequest(d)
	if err != nil {
		return nil, err
	}
	if _, err := s.activated(req.Header); err != nil {
		return nil, err
	}

	results := make([]service.BrowsePathResult, len(req.BrowsePaths))
	for i, bp := range req.BrowsePaths {
		results[i] = s.Space.TranslateBrowsePath(bp)
	}
	return service.TranslateBrowsePathsToNodeIdsResponse{
		Header:  service.NewResponseHeader(req.Header, time.Now(), status.Good),
		Results: results,
	}, nil
}

func (s *Server) handleRead(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeReadRequest(d)
	if err != nil {
		return nil, err
	}
	if _, err := s.activated(req.Header); err != nil {
		return nil, err
	}

	results := make([]ua.DataValue, len(req.NodesToRead))
	for i, rv := range req.NodesToRead {
		results[i] = s.Space.ReadAttribute(rv)
	}
	return service.ReadResponse{
		Header:  service.NewResponseHeader(req.Header, time.Now(), status.Good),
		Results: results,
	}, nil
}

func (s *Server) handleWrite(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeWriteRequest(d)
	if err != nil {
		return nil, err
	}
	if _, err := s.activated(req.Header); err != nil {
		return nil, err
	}

	results := make([]status.Code, len(req.NodesToWrite))
	for i, wv := range req.NodesToWrite {
		results[i] = s.Space.WriteAttribute(wv)
	}
	return service.WriteResponse{
		Header:  service.NewResponseHeader(req.Header, time.Now(), status.Good),
		Results: results,
	}, nil
}

func (s *Server) handleCall(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeCallRequest(d)
	if err != nil {
		return nil, err
	}
	if _, err := s.activated(req.Header); err != nil {
		return nil, err
	}

	results := make([]service.CallMethodResult, len(req.MethodsToCall))
	for i, mc := range req.MethodsToCall {
		results[i] = s.Space.Call(mc)
	}
	return service.CallResponse{
		Header:  service.NewResponseHeader(req.Header, time.Now(), status.Good),
		Results: results,
	}, nil
}

func (s *Server) handleCreateSubscription(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeCreateSubscriptionRequest(d)
	if err != nil {
		return nil, err
	}
	sess, err := s.activated(req.Header)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxSubscriptions > 0 && s.Subscriptions.Len() >= s.cfg.MaxSubscriptions {
		return nil, status.New("CreateSubscription", status.BadTooManySubscriptions)
	}

	lifetime := req.RequestedLifetimeCount
	keepAlive := req.RequestedMaxKeepAliveCount
	if keepAlive == 0 {
		keepAlive = 1
	}
	// lifetime must cover at least three keep-alive periods
	if lifetime < 3*keepAlive {
		lifetime = 3 * keepAlive
	}

	sub := s.Subscriptions.Create(req.RequestedPublishingInterval, lifetime, keepAlive, req.MaxNotificationsPerPublish, req.PublishingEnabled)
	sess.OwnSubscription(sub.ID)

	return service.CreateSubscriptionResponse{
		Header:                    service.NewResponseHeader(req.Header, time.Now(), status.Good),
		SubscriptionID:            sub.ID,
		RevisedPublishingInterval: sub.PublishingInterval,
		RevisedLifetimeCount:      lifetime,
		RevisedMaxKeepAliveCount:  keepAlive,
	}, nil
}

func (s *Server) handlePublish(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodePublishRequest(d)
	if err != nil {
		return nil, err
	}
	sess, err := s.activated(req.Header)
	if err != nil {
		return nil, err
	}

	ackResults := make([]status.Code, len(req.SubscriptionAcknowledgements))
	for i, ack := range req.SubscriptionAcknowledgements {
		if !sess.Owns(ack.SubscriptionID) {
			ackResults[i] = status.BadSubscriptionIDInvalid
			continue
		}
		sub, code := s.Subscriptions.Get(ack.SubscriptionID)
		if code != status.Good {
			ackResults[i] = code
			continue
		}
		ackResults[i] = sub.Acknowledge([]uint32{ack.SequenceNumber})[0]
	}

	subIDs := sess.SubscriptionIDs()
	if len(subIDs) == 0 {
		return nil, status.New("Publish", status.BadNoSubscription)
	}
	sort.Slice(subIDs, func(i, j int) bool { return subIDs[i] < subIDs[j] })

	header := service.NewResponseHeader(req.Header, time.Now(), status.Good)
	for _, id := range subIDs {
		sub, code := s.Subscriptions.Get(id)
		if code != status.Good {
			continue
		}
		msg, has, terminated := sub.DrainPublish()
		if terminated {
			s.Subscriptions.Delete(id)
			continue
		}
		if !has {
			continue
		}
		return service.PublishResponse{
			Header:                   header,
			SubscriptionID:           id,
			AvailableSequenceNumbers: sub.Available(),
			NotificationMessage:      msg,
			Results:                  ackResults,
		}, nil
	}

	// no subscription had anything due this cycle; answer with an empty
	// notification so the client can re-queue its Publish
	return service.PublishResponse{
		Header:         header,
		SubscriptionID: subIDs[0],
		Results:        ackResults,
	}, nil
}

func (s *Server) handleRepublish(d *ua.Decoder, ctx dispatch.Context) (dispatch.Response, error) {
	req, err := service.DecodeRepublishRequest(d)
	if err != nil {
		return nil, err
	}
	sess, err := s.activated(req.Header)
	if err != nil {
		return nil, err
	}
	if !sess.Owns(req.SubscriptionID) {
		return nil, status.New("Republish", status.BadSubscriptionIDInvalid)
	}
	sub, code := s.Subscriptions.Get(req.SubscriptionID)
	if code != status.Good {
		return nil, status.New("Republish", code)
	}
	msg, code := sub.Republish(req.RetransmitSequenceNumber)
	if code != status.Good {
		return nil, status.New("Republish", code)
	}
	return service.RepublishResponse{
		Header:              service.NewResponseHeader(req.Header, time.Now(), status.Good),
		NotificationMessage: msg,
	}, nil
}
