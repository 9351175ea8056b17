// Package config defines the configuration record the core consumes: a
// JSON-serializable struct with an EnsureDefaults pass and a Validate
// pass, loaded through a small Resolver+reader seam instead of being
// wired to a path literal.
package config

import (
	"fmt"
	"net/netip"
)

// SocketType selects the transport the engine binds or connects with.
type SocketType string

const (
	TCP SocketType = "tcp"
	UDP SocketType = "udp"
)

// Credentials carries the AUTH payload fields a client sends and a
// server validates against.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Timeouts groups every duration the core needs, in milliseconds so the
// JSON file stays human-editable without a custom duration codec.
type Timeouts struct {
	ConnectMs int `json:"connect_ms"`
	IdleMs    int `json:"idle_ms"`
	DrainMs   int `json:"drain_ms"` // grace period for the thread-exit interlock
}

// Reconnect is the client-only backoff policy: reconnect if enabled,
// bounded attempts, exponential backoff between tries.
type Reconnect struct {
	Enabled    bool `json:"enabled"`
	MaxRetries int  `json:"max_retries"`
}

// Config is the record consumed by the core. One struct serves both
// roles; Role picks which fields are load-bearing (Bind* for server,
// Connect* for client).
type Config struct {
	Role Role `json:"role"`

	Socket SocketType `json:"socket"`

	BindAddress    string `json:"bind_address"`
	BindPort       uint16 `json:"bind_port"`
	ConnectAddress string `json:"connect_address"`
	ConnectPort    uint16 `json:"connect_port"`

	MaxConn uint16 `json:"max_conn"`
	Backlog int    `json:"backlog"`

	IfaceName    string `json:"iface_name"`
	IfaceIPv4    string `json:"iface_ipv4"`
	IfaceNetmask string `json:"iface_netmask"`
	IfaceMTU     uint16 `json:"iface_mtu"`
	IfaceGateway string `json:"iface_gateway"`

	Credentials Credentials `json:"credentials"`

	WorkerCount    int    `json:"worker_count"`
	ErrorThreshold uint8  `json:"error_threshold"`
	Timeouts       Timeouts  `json:"timeouts"`
	Reconnect      Reconnect `json:"reconnect"`

	NeedEncryption bool `json:"need_encryption"`
}

// Role distinguishes a server config from a client config.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// NewDefaultServerConfig returns a Config with every server-relevant
// field populated, following the pattern of constructing a zero value
// and then calling EnsureDefaults.
func NewDefaultServerConfig() *Config {
	c := &Config{Role: RoleServer}
	return c.EnsureDefaults()
}

// NewDefaultClientConfig returns a Config with every client-relevant
// field populated.
func NewDefaultClientConfig() *Config {
	c := &Config{Role: RoleClient}
	return c.EnsureDefaults()
}

// EnsureDefaults fills in any zero-valued field with a sane default.
func (c *Config) EnsureDefaults() *Config {
	if c.Socket == "" {
		c.Socket = TCP
	}
	if c.Role == RoleServer {
		if c.BindAddress == "" {
			c.BindAddress = "0.0.0.0"
		}
		if c.BindPort == 0 {
			c.BindPort = 8080
		}
		if c.MaxConn == 0 {
			c.MaxConn = 256
		}
		if c.Backlog == 0 {
			c.Backlog = 128
		}
	} else {
		if c.ConnectPort == 0 {
			c.ConnectPort = 8080
		}
		if c.Reconnect.MaxRetries == 0 {
			c.Reconnect.MaxRetries = 8
		}
	}
	if c.IfaceName == "" {
		c.IfaceName = "teavpn2"
	}
	if c.IfaceMTU == 0 {
		c.IfaceMTU = 1500
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = 4
	}
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = 5
	}
	if c.Timeouts.ConnectMs == 0 {
		c.Timeouts.ConnectMs = 5000
	}
	if c.Timeouts.IdleMs == 0 {
		c.Timeouts.IdleMs = 1000
	}
	if c.Timeouts.DrainMs == 0 {
		c.Timeouts.DrainMs = 3000
	}
	return c
}

// Validate checks field invariants for the role-relevant settings:
// valid socket type, iface name, MTU range, and (for a server) a
// nonzero bind port.
func (c *Config) Validate() error {
	if c.Socket != TCP && c.Socket != UDP {
		return fmt.Errorf("config: unknown socket type %q", c.Socket)
	}
	if c.IfaceName == "" {
		return fmt.Errorf("config: iface_name is empty")
	}
	if c.IfaceMTU < 576 || c.IfaceMTU > 9000 {
		return fmt.Errorf("config: iface_mtu %d out of range 576..9000", c.IfaceMTU)
	}
	if c.Role == RoleServer {
		if c.BindPort == 0 {
			return fmt.Errorf("config: bind_port must be nonzero")
		}
		if c.MaxConn == 0 {
			return fmt.Errorf("config: max_conn must be nonzero")
		}
		if c.IfaceIPv4 != "" {
			if _, err := netip.ParseAddr(c.IfaceIPv4); err != nil {
				return fmt.Errorf("config: invalid iface_ipv4 %q: %w", c.IfaceIPv4, err)
			}
		}
	} else {
		if c.ConnectAddress == "" {
			return fmt.Errorf("config: connect_address is empty")
		}
		if c.ConnectPort == 0 {
			return fmt.Errorf("config: connect_port must be nonzero")
		}
		if c.Credentials.Username == "" {
			return fmt.Errorf("config: credentials.username is empty")
		}
	}
	return nil
}
