package session

import (
	iface "FaceAuthClient/interface"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// Socket.IO v5 packet types, carried inside Engine.IO messages.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
	sioBinaryEvent  = '5'
)

const (
	EventAuthenticate   = "authenticate"
	EventAuthResponse   = "auth_response"
	EventDeleteResponse = "delete_response"
)

var ErrMalformedPacket = errors.New("malformed packet")

type packet struct {
	eio       byte
	sio       byte
	namespace string
	ackID     int
	data      []byte
}

type openPayload struct {
	Sid          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

type connectPayload struct {
	Sid     string `json:"sid"`
	Message string `json:"message"`
}

func decodePacket(msg []byte) (packet, error) {
	if len(msg) == 0 {
		return packet{}, ErrMalformedPacket
	}
	p := packet{eio: msg[0], namespace: "/", ackID: -1}
	if p.eio < eioOpen || p.eio > eioNoop {
		return packet{}, fmt.Errorf("%w: engine type %q", ErrMalformedPacket, p.eio)
	}
	if p.eio != eioMessage {
		p.data = msg[1:]
		return p, nil
	}
	if len(msg) < 2 {
		return packet{}, fmt.Errorf("%w: empty message", ErrMalformedPacket)
	}
	p.sio = msg[1]
	if p.sio < sioConnect || p.sio > sioConnectError {
		return packet{}, fmt.Errorf("%w: unsupported socket type %q", ErrMalformedPacket, p.sio)
	}
	rest := msg[2:]
	if len(rest) > 0 && rest[0] == '/' {
		end := len(rest)
		for i, b := range rest {
			if b == ',' {
				end = i
				break
			}
		}
		p.namespace = string(rest[:end])
		if end < len(rest) {
			end++
		}
		rest = rest[end:]
	}
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id := 0
		for _, b := range rest[:i] {
			id = id*10 + int(b-'0')
		}
		p.ackID = id
	}
	p.data = rest[i:]
	return p, nil
}

func nsPrefix(ns string) string {
	if ns == "" || ns == "/" {
		return ""
	}
	if !strings.HasPrefix(ns, "/") {
		ns = "/" + ns
	}
	return ns + ","
}

func encodeConnect(ns string) []byte {
	return []byte(string([]byte{eioMessage, sioConnect}) + nsPrefix(ns))
}

func encodeDisconnect(ns string) []byte {
	return []byte(string([]byte{eioMessage, sioDisconnect}) + nsPrefix(ns))
}

func encodeEvent(ns, name string, payload any) ([]byte, error) {
	body, err := json.Marshal([]any{name, payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	head := string([]byte{eioMessage, sioEvent}) + nsPrefix(ns)
	return append([]byte(head), body...), nil
}

func decodeEvent(data []byte) (string, []jsoniter.RawMessage, error) {
	var parts []jsoniter.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", ErrMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", ErrMalformedPacket, err)
	}
	return name, parts[1:], nil
}

type authPayload struct {
	Name  *string `json:"name"`
	Role  string  `json:"role"`
	Error string  `json:"error"`
}

// decodeAuthResponse maps {name, role?} / {name: "unknown"} / {error}.
func decodeAuthResponse(raw []byte) (iface.AuthResponse, error) {
	var p authPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return iface.AuthResponse{}, fmt.Errorf("%w: %s: %v", ErrMalformedPacket, EventAuthResponse, err)
	}
	switch {
	case p.Error != "":
		return iface.AuthResponse{Kind: iface.AuthError, Reason: p.Error}, nil
	case p.Name == nil || *p.Name == "":
		return iface.AuthResponse{}, fmt.Errorf("%w: %s without name or error", ErrMalformedPacket, EventAuthResponse)
	case strings.EqualFold(*p.Name, "unknown"):
		return iface.AuthResponse{Kind: iface.AuthUnknown, Name: *p.Name, Reason: "unknown identity"}, nil
	}
	role := p.Role
	if role == "" {
		role = iface.DefaultRole
	}
	return iface.AuthResponse{Kind: iface.AuthSuccess, Name: *p.Name, Role: role}, nil
}

type deletePayload struct {
	Status string `json:"status"`
	Name   string `json:"name"`
	Error  string `json:"error"`
}

func decodeDeleteResponse(raw []byte) (iface.DeleteResponse, error) {
	var p deletePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return iface.DeleteResponse{}, fmt.Errorf("%w: %s: %v", ErrMalformedPacket, EventDeleteResponse, err)
	}
	switch strings.ToLower(p.Status) {
	case "deleted":
		return iface.DeleteResponse{Kind: iface.DeleteDeleted, Name: p.Name}, nil
	case "failed":
		reason := p.Error
		if reason == "" {
			reason = "deletion failed"
		}
		return iface.DeleteResponse{Kind: iface.DeleteFailed, Name: p.Name, Reason: reason}, nil
	}
	if p.Error != "" {
		return iface.DeleteResponse{Kind: iface.DeleteFailed, Reason: p.Error}, nil
	}
	return iface.DeleteResponse{}, fmt.Errorf("%w: %s status %q", ErrMalformedPacket, EventDeleteResponse, p.Status)
}
