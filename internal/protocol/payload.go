package protocol

// Payload is the sum-type interface every frame variant implements. The
// codec performs the tag check (on Type) before ever calling into a
// variant, so each variant's marshal/unmarshal only ever sees bytes
// that already match its own shape.
type Payload interface {
	marshal() []byte
}

const (
	usernameSize = 64
	passwordSize = 256
	authSize     = usernameSize + passwordSize

	// ifInfoSize: ipv4(4) + netmask(4) + mtu(2) + gateway(4).
	ifInfoSize = 14

	// serverHandshakeSize: 8-byte flag block + 3 version records,
	// each padded to 8 bytes ("32 bytes total").
	serverHandshakeSize = 8 + 3*8
)

// ClientHandshake is sent by the client: a single version record.
type ClientHandshake struct {
	Current Version
}

func (p ClientHandshake) marshal() []byte {
	buf := make([]byte, versionSize)
	p.Current.put(buf)
	return buf
}

func parseClientHandshake(b []byte) (ClientHandshake, error) {
	if len(b) < versionSize {
		return ClientHandshake{}, ErrShortPayload
	}
	return ClientHandshake{Current: parseVersion(b)}, nil
}

// ServerHandshake is sent by the server: whether encryption is required,
// whether min/max bounds are present, and the current/min/max version
// triple.
type ServerHandshake struct {
	NeedEncryption bool
	HasMin         bool
	HasMax         bool
	Current        Version
	Min            Version
	Max            Version
}

func (p ServerHandshake) marshal() []byte {
	buf := make([]byte, serverHandshakeSize)
	if p.NeedEncryption {
		buf[0] = 1
	}
	if p.HasMin {
		buf[1] = 1
	}
	if p.HasMax {
		buf[2] = 1
	}
	p.Current.put(buf[8:14])
	p.Min.put(buf[16:22])
	p.Max.put(buf[24:30])
	return buf
}

func parseServerHandshake(b []byte) (ServerHandshake, error) {
	if len(b) < serverHandshakeSize {
		return ServerHandshake{}, ErrShortPayload
	}
	return ServerHandshake{
		NeedEncryption: b[0] != 0,
		HasMin:         b[1] != 0,
		HasMax:         b[2] != 0,
		Current:        parseVersion(b[8:14]),
		Min:            parseVersion(b[16:22]),
		Max:            parseVersion(b[24:30]),
	}, nil
}

// Auth carries a username/password pair in fixed-size, NUL-terminated
// buffers ( Open Questions: treated as NUL-terminated within
// fixed buffers; strings that don't fit are rejected at encode time).
type Auth struct {
	Username string
	Password string
}

func (p Auth) marshal() []byte {
	buf := make([]byte, authSize)
	copy(buf[:usernameSize], p.Username)
	copy(buf[usernameSize:authSize], p.Password)
	return buf
}

// validateAuth rejects fields that would not fit (and therefore could
// not be represented NUL-terminated) in their wire buffers.
func validateAuth(p Auth) error {
	if len(p.Username) >= usernameSize || len(p.Password) >= passwordSize {
		return ErrStringTooLong
	}
	return nil
}

func parseAuth(b []byte) (Auth, error) {
	if len(b) < authSize {
		return Auth{}, ErrShortPayload
	}
	return Auth{
		Username: cStr(b[:usernameSize]),
		Password: cStr(b[usernameSize:authSize]),
	}, nil
}

func cStr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// IfInfo carries the virtual-interface parameters the client must apply
// to its local TUN device on successful auth.
type IfInfo struct {
	IPv4    [4]byte
	Netmask [4]byte
	MTU     uint16
	Gateway [4]byte
}

func (p IfInfo) marshal() []byte {
	buf := make([]byte, ifInfoSize)
	copy(buf[0:4], p.IPv4[:])
	copy(buf[4:8], p.Netmask[:])
	buf[8] = byte(p.MTU >> 8)
	buf[9] = byte(p.MTU)
	copy(buf[10:14], p.Gateway[:])
	return buf
}

func parseIfInfo(b []byte) (IfInfo, error) {
	if len(b) < ifInfoSize {
		return IfInfo{}, ErrShortPayload
	}
	var p IfInfo
	copy(p.IPv4[:], b[0:4])
	copy(p.Netmask[:], b[4:8])
	p.MTU = uint16(b[8])<<8 | uint16(b[9])
	copy(p.Gateway[:], b[10:14])
	return p, nil
}

// AuthOk wraps IfInfo as the AUTH_OK payload.
type AuthOk struct{ IfInfo IfInfo }

func (p AuthOk) marshal() []byte { return p.IfInfo.marshal() }

func parseAuthOk(b []byte) (AuthOk, error) {
	info, err := parseIfInfo(b)
	if err != nil {
		return AuthOk{}, err
	}
	return AuthOk{IfInfo: info}, nil
}

// IfaceData carries a raw IPv4 frame, passed through verbatim.
type IfaceData struct{ Frame []byte }

func (p IfaceData) marshal() []byte { return p.Frame }

func parseIfaceData(b []byte) (IfaceData, error) {
	return IfaceData{Frame: b}, nil
}

// Empty-payload variants: AuthReject, Reqsync, Close, Nop.
type (
	AuthReject struct{}
	Reqsync    struct{}
	Close      struct{}
	Nop        struct{ Pad []byte }
)

func (AuthReject) marshal() []byte { return nil }
func (Reqsync) marshal() []byte    { return nil }
func (Close) marshal() []byte      { return nil }
func (p Nop) marshal() []byte      { return p.Pad }
