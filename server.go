// Package opcuacore ties the protocol engine's subsystems together behind a
// single Server value: every free
// function the original kept against process globals becomes a method here,
// making the engine embeddable and independently testable per instance.
package opcuacore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fenwick-automation/opcuacore/addrspace"
	"github.com/fenwick-automation/opcuacore/channel"
	"github.com/fenwick-automation/opcuacore/crypto"
	"github.com/fenwick-automation/opcuacore/dispatch"
	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/node"
	"github.com/fenwick-automation/opcuacore/nodestore"
	"github.com/fenwick-automation/opcuacore/pki"
	"github.com/fenwick-automation/opcuacore/session"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/subscription"
	"github.com/fenwick-automation/opcuacore/ua"
)

// UserAuthenticator is the external user backend consulted for
// username/password identity tokens. The engine
// ships none; hosts plug their own in.
type UserAuthenticator interface {
	Authenticate(username string, password []byte) status.Code
}

// ServerStatusDataType is the live value behind the ServerStatus variable
// (i=2256): reads against it reflect current state, never a stored
// snapshot.
type ServerStatusDataType struct {
	StartTime   time.Time
	CurrentTime time.Time
	State       uint32 // 0 = Running
}

type cursorEntry struct {
	cursor   *addrspace.BrowseCursor
	owner    ids.NodeId // owning session's authentication token
	pageSize uint32
}

// Server owns every subsystem of the engine. The transport event loop is an
// external collaborator: it feeds reassembled, decrypted request
// bodies into Handle and writes the returned responses back out.
type Server struct {
	cfg Config
	log *zap.Logger

	Space         *addrspace.Space
	Sessions      *session.Manager
	Subscriptions *subscription.Manager
	Channels      *channel.Manager
	Validator     *pki.Validator
	Table         *dispatch.Table

	// Users authenticates username/password identity tokens. Nil rejects
	// every username token with BadIdentityTokenRejected.
	Users UserAuthenticator

	localCertDER []byte
	localKey     *rsa.PrivateKey
	adapter      *crypto.Adapter // adapter of the first secured policy; nil when only None is configured

	mu         sync.Mutex
	namespaces []string
	cursors    map[string]cursorEntry
	startTime  time.Time
}

// NewServer builds a Server from cfg, seeding namespace 0 and the
// dispatch table. Panics on structurally invalid configuration.
func NewServer(cfg Config, log *zap.Logger) (*Server, error) {
	cfg.check()
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:           cfg,
		log:           log,
		Space:         addrspace.New(),
		Sessions:      session.NewManager(cfg.MinSessionTimeout, cfg.MaxSessionTimeout),
		Subscriptions: subscription.NewManager(),
		Channels:      channel.NewManager(log),
		Table:         dispatch.NewTable(),
		namespaces:    []string{"http://opcfoundation.org/UA/"},
		cursors:       make(map[string]cursorEntry),
		startTime:     time.Now(),
	}

	var list pki.List
	if cfg.TrustListFolder != "" || cfg.IssuerListFolder != "" || cfg.RevocationListFolder != "" {
		list.Loader = pki.FolderLoader(cfg.TrustListFolder, cfg.IssuerListFolder, cfg.RevocationListFolder)
	}
	s.Validator = pki.NewValidator(list)

	for _, sp := range cfg.SecurityPolicies {
		if sp.Policy == crypto.PolicyNone {
			continue
		}
		key, err := parsePrivateKey(sp.LocalKeyPEM)
		if err != nil {
			return nil, err
		}
		adapter, err := crypto.NewAdapter(sp.Policy)
		if err != nil {
			return nil, err
		}
		s.localCertDER = sp.LocalCertDER
		s.localKey = key
		s.adapter = adapter
		break
	}

	if err := s.bootstrap(); err != nil {
		return nil, err
	}
	s.registerHandlers()
	return s, nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("opcuacore: private key is not PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("opcuacore: private key is not RSA")
	}
	return key, nil
}

// RegisterNamespace returns uri's index in the namespace table, appending
// it first if it is not already there. Reads of NamespaceArray (i=2255) see
// the change immediately.
func (s *Server) RegisterNamespace(uri string) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.namespaces {
		if existing == uri {
			return uint16(i)
		}
	}
	s.namespaces = append(s.namespaces, uri)
	return uint16(len(s.namespaces) - 1)
}

// Well-known namespace-0 node ids seeded by bootstrap.
var (
	rootFolderID       = ids.NewNumeric(0, 84)
	objectsFolderID    = ids.NewNumeric(0, 85)
	typesFolderID      = ids.NewNumeric(0, 86)
	serverObjectID     = ids.NewNumeric(0, 2253)
	serverArrayID      = ids.NewNumeric(0, 2254)
	namespaceArrayID   = ids.NewNumeric(0, 2255)
	serverStatusID     = ids.NewNumeric(0, 2256)
	serviceLevelID     = ids.NewNumeric(0, 2267)
	serverCapsID       = ids.NewNumeric(0, 2268)
	folderTypeID       = ids.NewNumeric(0, 61)
	propertyTypeID     = ids.NewNumeric(0, 68)
	baseDataVariableID = ids.NewNumeric(0, 63)

	hierarchicalRefsID = ids.NewNumeric(0, 33)
	hasChildRefID      = ids.NewNumeric(0, 34)
	aggregatesRefID    = ids.NewNumeric(0, 44)
)

func qn0(name string) ua.QualifiedName { return ua.QualifiedName{Name: name} }

func lt(text string) ua.LocalizedText { return ua.LocalizedText{Text: text} }

func refTypeNode(id ids.NodeId, name, inverseName string) *node.Node {
	return &node.Node{
		ID:          id,
		Class:       node.ClassReferenceType,
		BrowseName:  qn0(name),
		DisplayName: lt(name),
		ReferenceType: &node.ReferenceTypeBody{
			InverseName: lt(inverseName),
		},
	}
}

func folderNode(id ids.NodeId, name string) *node.Node {
	return &node.Node{
		ID:          id,
		Class:       node.ClassObject,
		BrowseName:  qn0(name),
		DisplayName: lt(name),
		Object:      &node.ObjectBody{},
	}
}

// bootstrap seeds the mandatory namespace-0 skeleton: the reference-type
// hierarchy browse relies on, the folder spine, and the Server object with
// its live diagnostic variables.
func (s *Server) bootstrap() error {
	sp := s.Space

	nodes := []*node.Node{
		refTypeNode(node.ReferencesRefType, "References", "References"),
		refTypeNode(hierarchicalRefsID, "HierarchicalReferences", "InverseHierarchicalReferences"),
		refTypeNode(hasChildRefID, "HasChild", "ChildOf"),
		refTypeNode(aggregatesRefID, "Aggregates", "AggregatedBy"),
		refTypeNode(node.HasSubtypeRefType, "HasSubtype", "SubtypeOf"),
		refTypeNode(node.HasComponentRefType, "HasComponent", "ComponentOf"),
		refTypeNode(node.HasPropertyRefType, "HasProperty", "PropertyOf"),
		refTypeNode(node.OrganizesRefType, "Organizes", "OrganizedBy"),
		refTypeNode(node.HasTypeDefinitionRefType, "HasTypeDefinition", "TypeDefinitionOf"),

		{ID: node.BaseObjectType, Class: node.ClassObjectType, BrowseName: qn0("BaseObjectType"), ObjectType: &node.ObjectTypeBody{}},
		{ID: folderTypeID, Class: node.ClassObjectType, BrowseName: qn0("FolderType"), ObjectType: &node.ObjectTypeBody{}},
		{ID: node.BaseVariableType, Class: node.ClassVariableType, BrowseName: qn0("BaseVariableType"), VariableType: &node.VariableTypeBody{IsAbstract: true, ValueRank: ua.RankAny}},
		{ID: baseDataVariableID, Class: node.ClassVariableType, BrowseName: qn0("BaseDataVariableType"), VariableType: &node.VariableTypeBody{ValueRank: ua.RankAny}},
		{ID: propertyTypeID, Class: node.ClassVariableType, BrowseName: qn0("PropertyType"), VariableType: &node.VariableTypeBody{ValueRank: ua.RankAny}},
		{ID: node.BaseDataType, Class: node.ClassDataType, BrowseName: qn0("BaseDataType"), DataType: &node.DataTypeBody{IsAbstract: true}},

		folderNode(rootFolderID, "Root"),
		folderNode(objectsFolderID, "Objects"),
		folderNode(typesFolderID, "Types"),
		{ID: serverObjectID, Class: node.ClassObject, BrowseName: qn0("Server"), DisplayName: lt("Server"), Object: &node.ObjectBody{EventNotifier: 1}},
		folderNode(serverCapsID, "ServerCapabilities"),
	}
	for _, n := range nodes {
		if _, code := sp.Store.Insert(n, nodestore.InsertOpts{Unique: true}); code != status.Good {
			return status.New("bootstrap insert "+n.ID.String(), code)
		}
	}

	type edge struct {
		from, refType, to ids.NodeId
	}
	edges := []edge{
		// reference-type DAG rooted at References
		{node.ReferencesRefType, node.HasSubtypeRefType, hierarchicalRefsID},
		{hierarchicalRefsID, node.HasSubtypeRefType, hasChildRefID},
		{hierarchicalRefsID, node.HasSubtypeRefType, node.OrganizesRefType},
		{hasChildRefID, node.HasSubtypeRefType, aggregatesRefID},
		{hasChildRefID, node.HasSubtypeRefType, node.HasSubtypeRefType},
		{aggregatesRefID, node.HasSubtypeRefType, node.HasComponentRefType},
		{aggregatesRefID, node.HasSubtypeRefType, node.HasPropertyRefType},

		// folder spine
		{rootFolderID, node.OrganizesRefType, objectsFolderID},
		{rootFolderID, node.OrganizesRefType, typesFolderID},
		{objectsFolderID, node.OrganizesRefType, serverObjectID},
		{serverObjectID, node.HasComponentRefType, serverCapsID},

		// type definitions
		{rootFolderID, node.HasTypeDefinitionRefType, folderTypeID},
		{objectsFolderID, node.HasTypeDefinitionRefType, folderTypeID},
		{typesFolderID, node.HasTypeDefinitionRefType, folderTypeID},
		{node.BaseObjectType, node.HasSubtypeRefType, folderTypeID},
		{node.BaseVariableType, node.HasSubtypeRefType, baseDataVariableID},
		{node.BaseVariableType, node.HasSubtypeRefType, propertyTypeID},
	}
	for _, e := range edges {
		if code := sp.AddReference(e.from, e.refType, e.to.Expanded()); code != status.Good {
			return status.New("bootstrap reference", code)
		}
	}

	return s.bootstrapServerVariables()
}

func (s *Server) serverVariable(id ids.NodeId, name string, rank ua.ValueRank, read func(ids.NodeId, string) (ua.DataValue, error)) *node.Node {
	return &node.Node{
		ID:          id,
		Class:       node.ClassVariable,
		BrowseName:  qn0(name),
		DisplayName: lt(name),
		Variable: &node.VariableBody{
			ValueRank:   rank,
			AccessLevel: 0x01, // CurrentRead
			Source:      &node.ValueSource{Read: read},
		},
	}
}

func (s *Server) bootstrapServerVariables() error {
	vars := []*node.Node{
		s.serverVariable(namespaceArrayID, "NamespaceArray", 1, func(ids.NodeId, string) (ua.DataValue, error) {
			s.mu.Lock()
			elems := make([]any, len(s.namespaces))
			for i, uri := range s.namespaces {
				elems[i] = uri
			}
			s.mu.Unlock()
			v, err := ua.NewArray(ua.TypeString, elems, nil)
			if err != nil {
				return ua.DataValue{}, err
			}
			return ua.NewValue(v), nil
		}),
		s.serverVariable(serverArrayID, "ServerArray", 1, func(ids.NodeId, string) (ua.DataValue, error) {
			v, err := ua.NewArray(ua.TypeString, []any{s.ApplicationURI()}, nil)
			if err != nil {
				return ua.DataValue{}, err
			}
			return ua.NewValue(v), nil
		}),
		s.serverVariable(serverStatusID, "ServerStatus", ua.RankScalar, func(ids.NodeId, string) (ua.DataValue, error) {
			st := ServerStatusDataType{StartTime: s.startTime, CurrentTime: time.Now(), State: 0}
			return ua.NewValue(ua.NewScalar(ua.TypeExtensionObject, st)), nil
		}),
		s.serverVariable(serviceLevelID, "ServiceLevel", ua.RankScalar, func(ids.NodeId, string) (ua.DataValue, error) {
			return ua.NewValue(ua.NewScalar(ua.TypeByte, byte(255))), nil
		}),
	}
	for _, n := range vars {
		if _, code := s.Space.Store.Insert(n, nodestore.InsertOpts{Unique: true}); code != status.Good {
			return status.New("bootstrap variable "+n.ID.String(), code)
		}
	}

	type edge struct {
		from, refType, to ids.NodeId
	}
	edges := []edge{
		{serverObjectID, node.HasPropertyRefType, namespaceArrayID},
		{serverObjectID, node.HasPropertyRefType, serverArrayID},
		{serverObjectID, node.HasComponentRefType, serverStatusID},
		{serverObjectID, node.HasPropertyRefType, serviceLevelID},
		{namespaceArrayID, node.HasTypeDefinitionRefType, propertyTypeID},
		{serverArrayID, node.HasTypeDefinitionRefType, propertyTypeID},
		{serverStatusID, node.HasTypeDefinitionRefType, baseDataVariableID},
		{serviceLevelID, node.HasTypeDefinitionRefType, propertyTypeID},
	}
	for _, e := range edges {
		if code := s.Space.AddReference(e.from, e.refType, e.to.Expanded()); code != status.Good {
			return status.New("bootstrap reference", code)
		}
	}
	return nil
}

// ApplicationURI is the server's application identity, derived from the
// first endpoint URL.
func (s *Server) ApplicationURI() string {
	if len(s.cfg.EndpointURLs) > 0 {
		return s.cfg.EndpointURLs[0]
	}
	return "opc.tcp://" + s.cfg.CustomHost
}

// Tick drives the engine's periodic work:
// session/channel expiry sweeps and subscription sampling. elapsedMs is the
// wall-clock span since the previous Tick.
func (s *Server) Tick(now time.Time, elapsedMs float64) {
	for _, sess := range s.Sessions.SweepExpired(now) {
		s.dropSessionState(sess)
		s.log.Info("session expired", zap.String("session_token", sess.AuthenticationToken.String()))
	}
	for _, token := range s.Channels.SweepIdle(now, s.cfg.MaxChannelLifetime) {
		s.log.Info("channel closed under session", zap.String("session_token", token.String()))
	}
	s.Subscriptions.TickAll(s.Space, elapsedMs)
}

// dropSessionState releases everything a dead session owned: its
// subscriptions and its continuation points.
func (s *Server) dropSessionState(sess *session.Session) {
	for _, subID := range sess.SubscriptionIDs() {
		s.Subscriptions.Delete(subID)
	}
	s.mu.Lock()
	for cookie, entry := range s.cursors {
		if entry.owner == sess.AuthenticationToken {
			delete(s.cursors, cookie)
		}
	}
	s.mu.Unlock()
}
