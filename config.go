package opcuacore

import (
	"fmt"
	"net/url"
	"time"

	"github.com/fenwick-automation/opcuacore/chunk"
	"github.com/fenwick-automation/opcuacore/crypto"
)

// SecurityPolicyConfig activates one security policy with its local
// certificate/key material.
type SecurityPolicyConfig struct {
	Policy         crypto.PolicyURI
	LocalCertDER   []byte
	LocalKeyPEM    []byte
	AcceptedModes  []uint32 // security-mode-mask
}

// Config is the engine's full configuration surface: a flat struct of
// tunables plus an unexported check() that fills defaults and validates.
type Config struct {
	EndpointURLs []string
	CustomHost   string
	Port         int

	SecurityPolicies []SecurityPolicyConfig

	MaxSessions       int
	MaxSubscriptions  int
	MaxMonitoredItems int

	MinSessionTimeout time.Duration
	MaxSessionTimeout time.Duration
	MaxChannelLifetime time.Duration

	MaxChunksPerMessage int
	MaxMessageSize      int

	TrustListFolder      string
	IssuerListFolder     string
	RevocationListFolder string

	OutstandingPublishRequests int // client side

	Trace bool // gates Debug-level wire tracing
}

// DefaultConfig returns the configuration baseline used when a field is left
// at its zero value by check().
func DefaultConfig() Config {
	return Config{
		Port:                4840,
		MaxSessions:          100,
		MaxSubscriptions:     1000,
		MaxMonitoredItems:    10000,
		MinSessionTimeout:    10 * time.Second,
		MaxSessionTimeout:    6 * time.Hour,
		MaxChannelLifetime:   1 * time.Hour,
		MaxChunksPerMessage:  512,
		MaxMessageSize:       4 * 1024 * 1024,
		OutstandingPublishRequests: 10,
	}
}

// check fills zero-valued fields from DefaultConfig and validates the
// configuration, panicking on a structurally invalid Config.
func (c *Config) check() {
	def := DefaultConfig()
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.MaxSubscriptions == 0 {
		c.MaxSubscriptions = def.MaxSubscriptions
	}
	if c.MaxMonitoredItems == 0 {
		c.MaxMonitoredItems = def.MaxMonitoredItems
	}
	if c.MinSessionTimeout == 0 {
		c.MinSessionTimeout = def.MinSessionTimeout
	}
	if c.MaxSessionTimeout == 0 {
		c.MaxSessionTimeout = def.MaxSessionTimeout
	}
	if c.MaxChannelLifetime == 0 {
		c.MaxChannelLifetime = def.MaxChannelLifetime
	}
	if c.MaxChunksPerMessage == 0 {
		c.MaxChunksPerMessage = def.MaxChunksPerMessage
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.OutstandingPublishRequests == 0 {
		c.OutstandingPublishRequests = def.OutstandingPublishRequests
	}

	if c.MinSessionTimeout > c.MaxSessionTimeout {
		panic(fmt.Sprintf("opcuacore: MinSessionTimeout %s exceeds MaxSessionTimeout %s", c.MinSessionTimeout, c.MaxSessionTimeout))
	}
	if len(c.EndpointURLs) == 0 && c.CustomHost == "" {
		panic("opcuacore: Config needs at least one EndpointURL or a CustomHost")
	}
	for _, u := range c.EndpointURLs {
		if _, _, err := SplitEndpointURL(u); err != nil {
			panic(fmt.Sprintf("opcuacore: bad endpoint URL %q: %s", u, err))
		}
	}
}

// SplitEndpointURL validates an opc.tcp endpoint URL and returns its host and port, with the
// port defaulting to 4840 when absent. The opc.udp and opc.mqtt schemes
// route to pub/sub transports outside this module and are rejected here.
func SplitEndpointURL(endpoint string) (host string, port string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "opc.tcp" {
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("missing host")
	}
	port = u.Port()
	if port == "" {
		port = "4840"
	}
	return u.Hostname(), port, nil
}

// chunkLimits derives the chunk.Limits this Config implies.
func (c Config) chunkLimits() chunk.Limits {
	return chunk.Limits{MaxChunkCount: c.MaxChunksPerMessage, MaxMessageSize: c.MaxMessageSize}
}
