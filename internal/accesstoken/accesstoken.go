// internal/accesstoken/accesstoken.go
// Package accesstoken builds and decodes the calling provider's version "007" RTC tokens.
//
// A token is the concatenation, without delimiters, of:
//
//	"007" | appId | base64(HMAC-SHA256) | salt as 8 hex | issue ts as hex | uid length as 4 hex | uid | base64(message)
//
// where message is the little-endian packing of salt, issue timestamp and the privilege map.
// The provider's verifier is rigid, so field order and widths must not change.
package accesstoken

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// Version is the token format version prefix.
const Version = "007"

// Privilege identifies a capability granted by a token.
type Privilege uint16

const (
	JoinChannel        Privilege = 1
	PublishAudioStream Privilege = 2
	PublishVideoStream Privilege = 3
	PublishDataStream  Privilege = 4
)

// String returns the provider's name for the privilege.
func (p Privilege) String() string {
	switch p {
	case JoinChannel:
		return "JOIN_CHANNEL"
	case PublishAudioStream:
		return "PUBLISH_AUDIO_STREAM"
	case PublishVideoStream:
		return "PUBLISH_VIDEO_STREAM"
	case PublishDataStream:
		return "PUBLISH_DATA_STREAM"
	default:
		return fmt.Sprintf("PRIVILEGE(%d)", uint16(p))
	}
}

// Role is the requested participation mode.
type Role string

const (
	RolePublisher Role = "publisher"
	RoleAudience  Role = "audience"
)

// DefaultTTL is how long granted privileges stay valid.
const DefaultTTL = time.Hour

var (
	// ErrNotConfigured is returned when the application id or certificate is missing.
	ErrNotConfigured = errors.New("calling provider credentials not configured")
	// ErrMalformed is returned by Parse for tokens that do not follow the format.
	ErrMalformed = errors.New("malformed access token")
	// ErrSignature is returned by Verify when the signature does not match.
	ErrSignature = errors.New("access token signature mismatch")
)

// PrivilegesFor returns the privilege keys granted to role in ascending key order.
// Only publishers may publish; every other role joins as a listener.
func PrivilegesFor(role Role) []Privilege {
	if role == RolePublisher {
		return []Privilege{JoinChannel, PublishAudioStream, PublishVideoStream, PublishDataStream}
	}
	return []Privilege{JoinChannel}
}

// Builder mints signed tokens for one provider application.
// The certificate is held only in memory and never leaves the builder.
type Builder struct {
	appID          string
	appCertificate []byte
	ttl            time.Duration
	now            func() time.Time
	rand           io.Reader
}

// Option customizes a Builder.
type Option func(*Builder)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(b *Builder) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithRandom overrides the salt source.
func WithRandom(r io.Reader) Option {
	return func(b *Builder) { b.rand = r }
}

// NewBuilder creates a Builder. Both appID and appCertificate are required.
func NewBuilder(appID, appCertificate string, opts ...Option) (*Builder, error) {
	if appID == "" || appCertificate == "" {
		return nil, ErrNotConfigured
	}
	b := &Builder{
		appID:          appID,
		appCertificate: []byte(appCertificate),
		ttl:            DefaultTTL,
		now:            time.Now,
		rand:           rand.Reader,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// AppID returns the application id tokens are issued for.
func (b *Builder) AppID() string {
	return b.appID
}

// TTL returns the privilege lifetime.
func (b *Builder) TTL() time.Duration {
	return b.ttl
}

// Issued is the result of BuildForRole.
type Issued struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// BuildForRole mints a token whose privileges for role expire TTL from now.
func (b *Builder) BuildForRole(channelName string, uid uint32, role Role) (Issued, error) {
	now := b.now()
	expiresAt := now.Add(b.ttl)
	privileges := make(map[Privilege]uint32)
	for _, p := range PrivilegesFor(role) {
		privileges[p] = uint32(expiresAt.Unix())
	}

	token, err := b.build(channelName, uid, uint32(now.Unix()), privileges)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: token, IssuedAt: now, ExpiresAt: expiresAt}, nil
}

// Build mints a token for role with all privileges expiring at privilegeExpiredTs (unix seconds).
func (b *Builder) Build(channelName string, uid uint32, role Role, privilegeExpiredTs uint32) (string, error) {
	privileges := make(map[Privilege]uint32)
	for _, p := range PrivilegesFor(role) {
		privileges[p] = privilegeExpiredTs
	}
	return b.build(channelName, uid, uint32(b.now().Unix()), privileges)
}

func (b *Builder) build(channelName string, uid uint32, ts uint32, privileges map[Privilege]uint32) (string, error) {
	salt, err := randomUint32(b.rand)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	msg := Message{Salt: salt, Timestamp: ts, Privileges: privileges}
	packed := base64.StdEncoding.EncodeToString(msg.Pack())

	uidStr := UIDString(uid)
	signature := sign(b.appCertificate, b.appID, channelName, uidStr, packed)

	var buf bytes.Buffer
	buf.WriteString(Version)
	buf.WriteString(b.appID)
	buf.WriteString(signature)
	fmt.Fprintf(&buf, "%08x", salt)
	buf.WriteString(strconv.FormatUint(uint64(ts), 16))
	fmt.Fprintf(&buf, "%04x", len(uidStr))
	buf.WriteString(uidStr)
	buf.WriteString(packed)
	return buf.String(), nil
}

// UIDString renders uid for signing: 0 becomes the empty string.
func UIDString(uid uint32) string {
	if uid == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(uid), 10)
}

func sign(key []byte, appID, channelName, uidStr, packedMessage string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(appID))
	mac.Write([]byte(channelName))
	mac.Write([]byte(uidStr))
	mac.Write([]byte(packedMessage))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func randomUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Message is the signed body of a token.
type Message struct {
	Salt       uint32
	Timestamp  uint32
	Privileges map[Privilege]uint32
}

// Keys returns the privilege keys in ascending order, which is the packing order.
func (m Message) Keys() []Privilege {
	keys := make([]Privilege, 0, len(m.Privileges))
	for k := range m.Privileges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Pack serializes the message:
// salt u32 LE | ts u32 LE | count u16 LE | (key u16 LE | expiry u32 LE)*
func (m Message) Pack() []byte {
	keys := m.Keys()
	buf := make([]byte, 0, 10+6*len(keys))
	buf = binary.LittleEndian.AppendUint32(buf, m.Salt)
	buf = binary.LittleEndian.AppendUint32(buf, m.Timestamp)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(k))
		buf = binary.LittleEndian.AppendUint32(buf, m.Privileges[k])
	}
	return buf
}

// UnpackMessage is the inverse of Pack.
func UnpackMessage(data []byte) (Message, error) {
	if len(data) < 10 {
		return Message{}, fmt.Errorf("%w: message too short", ErrMalformed)
	}
	m := Message{
		Salt:       binary.LittleEndian.Uint32(data[0:4]),
		Timestamp:  binary.LittleEndian.Uint32(data[4:8]),
		Privileges: make(map[Privilege]uint32),
	}
	count := int(binary.LittleEndian.Uint16(data[8:10]))
	rest := data[10:]
	if len(rest) != count*6 {
		return Message{}, fmt.Errorf("%w: expected %d privilege bytes, got %d", ErrMalformed, count*6, len(rest))
	}
	for i := 0; i < count; i++ {
		entry := rest[i*6 : i*6+6]
		key := Privilege(binary.LittleEndian.Uint16(entry[0:2]))
		m.Privileges[key] = binary.LittleEndian.Uint32(entry[2:6])
	}
	return m, nil
}
