package protocol

// Frame is a fully decoded frame: the wire type/pad_len and the typed
// payload variant it tags.
type Frame struct {
	Type    byte
	PadLen  byte
	Payload Payload
}

// Encode writes typ + payload as a complete frame and returns the bytes.
// pad_len is always 0 on the wire until an encryption transform is
// added; it is plumbed here so that day requires no wire-format change.
func Encode(typ byte, payload Payload) ([]byte, error) {
	if a, ok := payload.(Auth); ok {
		if err := validateAuth(a); err != nil {
			return nil, err
		}
	}
	body := payload.marshal()
	if len(body) > MaxPayloadSize {
		return nil, ErrOversizedLength
	}
	buf := make([]byte, HeaderSize+len(body))
	Header{Type: typ, PadLen: 0, Length: uint16(len(body))}.Put(buf)
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Decode attempts to decode one frame from the front of buf, which
// contains buf[:n] valid bytes. It returns:
//
//   - (Frame, consumed, nil) when a full frame was available.
//   - (Frame{}, 0, *NeedMoreError) when fewer bytes are buffered than a
//     full frame requires.
//   - (Frame{}, 0, *ProtocolError) when the header is malformed.
func Decode(buf []byte, n int, dir Direction) (Frame, int, error) {
	if n < HeaderSize {
		return Frame{}, 0, &NeedMoreError{N: 1}
	}
	h := parseHeader(buf[:HeaderSize])
	if int(h.Length) > MaxPayloadSize {
		return Frame{}, 0, ErrOversizedLength
	}
	total := HeaderSize + int(h.Length)
	if n < total {
		return Frame{}, 0, &NeedMoreError{N: total - n}
	}
	if !validType(dir, h.Type) {
		return Frame{}, 0, ErrUnknownType
	}

	payloadBytes := buf[HeaderSize:total]
	payload, err := decodePayload(dir, h.Type, payloadBytes)
	if err != nil {
		return Frame{}, 0, err
	}
	return Frame{Type: h.Type, PadLen: h.PadLen, Payload: payload}, total, nil
}

func decodePayload(dir Direction, typ byte, b []byte) (Payload, error) {
	if dir == ClientToServer {
		switch typ {
		case CNop:
			return Nop{Pad: append([]byte(nil), b...)}, nil
		case CHandshake:
			return parseClientHandshake(b)
		case CAuth:
			return parseAuth(b)
		case CIfaceData:
			return parseIfaceData(b)
		case CReqsync:
			return Reqsync{}, nil
		case CClose:
			return Close{}, nil
		}
	} else {
		switch typ {
		case SNop:
			return Nop{Pad: append([]byte(nil), b...)}, nil
		case SHandshake:
			return parseServerHandshake(b)
		case SAuthOk:
			return parseAuthOk(b)
		case SAuthReject:
			return AuthReject{}, nil
		case SIfaceData:
			return parseIfaceData(b)
		case SReqsync:
			return Reqsync{}, nil
		case SClose:
			return Close{}, nil
		}
	}
	return nil, ErrUnknownType
}
