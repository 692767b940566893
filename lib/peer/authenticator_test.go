package peer

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/relaydesk/relaydesk/lib/channel"
	"github.com/relaydesk/relaydesk/lib/crypto/blake2s"
	"github.com/relaydesk/relaydesk/lib/crypto/srp"
	"github.com/relaydesk/relaydesk/lib/crypto/x25519"
	"github.com/relaydesk/relaydesk/lib/proto"
)

func awaitResult(t *testing.T, result chan ErrorCode) ErrorCode {
	t.Helper()
	select {
	case code := <-result:
		return code
	default:
		t.Fatal("authenticator did not produce a result synchronously")
		return UnknownError
	}
}

func TestAnonymousPinnedKeySuccess(t *testing.T) {
	ch := newMockChannel()
	hostPriv, hostPub, err := x25519.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	a := New()
	a.SetPeerPublicKey(hostPub[:])
	a.SetIdentify(IdentifyAnonymous)
	a.SetSessionType(0x01)

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	clientHello, err := proto.DecodeExpect[proto.ClientHello](ch.lastSent())
	if err != nil {
		t.Fatalf("decoding ClientHello: %v", err)
	}
	if len(clientHello.PublicKey) != 32 || len(clientHello.IV) != 12 {
		t.Fatal("ClientHello missing pinned-key material")
	}

	clientEphemeral := append([]byte(nil), clientHello.PublicKey...)
	if _, err := x25519.SharedSecret(hostPriv, clientEphemeral); err != nil {
		t.Fatalf("server-side ECDH: %v", err)
	}

	serverIV := append([]byte(nil), clientHello.IV...)
	ch.deliver(mustEncode(t, &proto.ServerHello{
		Encryption: uint32(proto.CipherChaCha20Poly1305),
		IV:         serverIV,
	}))

	ch.deliver(mustEncode(t, &proto.SessionChallenge{
		SessionTypes: 0x07,
		Version:      proto.Version{Major: 1, Minor: 0, Patch: 0},
	}))

	code := awaitResult(t, result)
	if code != Success {
		t.Fatalf("result = %v, want SUCCESS", code)
	}

	resp, err := proto.DecodeExpect[proto.SessionResponse](ch.lastSent())
	if err != nil {
		t.Fatalf("decoding SessionResponse: %v", err)
	}
	if resp.SessionType != 0x01 {
		t.Errorf("SessionResponse.SessionType = %#x, want 0x01", resp.SessionType)
	}

	if ch.encryptor == nil || ch.decryptor == nil {
		t.Fatal("AEAD was never installed on the channel")
	}

	if a.PeerVersion() != (Version{Major: 1, Minor: 0, Patch: 0}) {
		t.Errorf("PeerVersion = %+v, want {1 0 0}", a.PeerVersion())
	}
}

func TestAnonymousWithoutPinnedKeyFails(t *testing.T) {
	ch := newMockChannel()
	a := New()
	a.SetIdentify(IdentifyAnonymous)
	a.SetSessionType(0x01)

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	code := awaitResult(t, result)
	if code != UnknownError {
		t.Fatalf("result = %v, want UNKNOWN_ERROR", code)
	}
	if len(ch.Sent) != 0 {
		t.Error("authenticator should not have sent anything before failing")
	}
}

func TestSessionTypeMustBeSingleBit(t *testing.T) {
	ch := newMockChannel()
	a := New()
	a.SetIdentify(IdentifyAnonymous)
	a.SetSessionType(0x03) // two bits set

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	code := awaitResult(t, result)
	if code != ProtocolError {
		t.Fatalf("result = %v, want PROTOCOL_ERROR", code)
	}
}

func TestIVPresenceMismatchIsProtocolError(t *testing.T) {
	ch := newMockChannel()
	_, hostPub, err := x25519.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	a := New()
	a.SetPeerPublicKey(hostPub[:])
	a.SetIdentify(IdentifyAnonymous)
	a.SetSessionType(0x01)

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	// We sent an IV (pinned key path); server omits one.
	ch.deliver(mustEncode(t, &proto.ServerHello{
		Encryption: uint32(proto.CipherChaCha20Poly1305),
	}))

	code := awaitResult(t, result)
	if code != ProtocolError {
		t.Fatalf("result = %v, want PROTOCOL_ERROR", code)
	}
}

func TestServerChoosesUnadvertisedCipher(t *testing.T) {
	ch := newMockChannel()
	_, hostPub, err := x25519.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	a := New()
	a.SetPeerPublicKey(hostPub[:])
	a.SetIdentify(IdentifyAnonymous)
	a.SetSessionType(0x01)

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	clientHello, err := proto.DecodeExpect[proto.ClientHello](ch.lastSent())
	if err != nil {
		t.Fatalf("decoding ClientHello: %v", err)
	}

	// Bit 2 is never advertised by either AES-NI state.
	ch.deliver(mustEncode(t, &proto.ServerHello{
		Encryption: 1 << 2,
		IV:         clientHello.IV,
	}))

	got := awaitResult(t, result)
	if got != ProtocolError {
		t.Fatalf("result = %v, want PROTOCOL_ERROR", got)
	}
}

func TestSRPSuccess(t *testing.T) {
	ch := newMockChannel()
	a := New()
	a.SetIdentify(IdentifySRP)
	a.SetUserName("alice")
	a.SetPassword("correct horse battery staple")
	a.SetSessionType(0x02)

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	// ServerHello: anonymous-style, no pinned key in play.
	ch.deliver(mustEncode(t, &proto.ServerHello{
		Encryption: uint32(proto.CipherAES256GCM),
	}))

	identify, err := proto.DecodeExpect[proto.SrpIdentify](ch.lastSent())
	if err != nil {
		t.Fatalf("decoding SrpIdentify: %v", err)
	}
	if identify.UserName != "alice" {
		t.Fatalf("UserName = %q, want alice", identify.UserName)
	}

	group, ok := srp.GroupByNLength(512)
	if !ok {
		t.Fatal("missing 4096-bit group")
	}
	salt := make([]byte, 64)
	for i := range salt {
		salt[i] = byte(i)
	}
	serverPriv, err := srp.GeneratePrivateValue()
	if err != nil {
		t.Fatalf("GeneratePrivateValue: %v", err)
	}
	x := srp.CalcX(salt, "alice", "correct horse battery staple")
	v := new(big.Int).Exp(group.G, x, group.N)
	k := srp.CalcK(group)
	serverB := new(big.Int).Mod(
		new(big.Int).Add(new(big.Int).Mul(k, v), new(big.Int).Exp(group.G, serverPriv, group.N)),
		group.N,
	)
	serverIV := []byte("srp-srv-iv")
	serverIV = append(serverIV, make([]byte, 12-len(serverIV))...)

	ch.deliver(mustEncode(t, &proto.SrpServerKeyExchange{
		N:    group.N.Bytes(),
		G:    group.G.Bytes(),
		Salt: salt,
		B:    serverB.Bytes(),
		IV:   serverIV,
	}))

	clientKeyExchange, err := proto.DecodeExpect[proto.SrpClientKeyExchange](ch.lastSent())
	if err != nil {
		t.Fatalf("decoding SrpClientKeyExchange: %v", err)
	}
	if len(clientKeyExchange.A) == 0 {
		t.Fatal("SrpClientKeyExchange.A is empty")
	}

	// AEAD should already be installed after the ClientKeyExchange write.
	if ch.encryptor == nil || ch.decryptor == nil {
		t.Fatal("AEAD not installed after SRP rekey")
	}

	ch.deliver(mustEncode(t, &proto.SessionChallenge{
		SessionTypes: 0x03,
		Version:      proto.Version{Major: 2, Minor: 1, Patch: 0},
	}))

	got := awaitResult(t, result)
	if got != Success {
		t.Fatalf("result = %v, want SUCCESS", got)
	}
}

// TestSRPWithPinnedKeyMixesBothSecrets exercises the "both" case of the
// pinned-key/SRP combination called out alongside "exactly one" and
// "neither": with both a pinned peer key and SRP credentials configured,
// the final session key must depend on both the ECDH secret and the SRP
// premaster secret, not either alone.
func TestSRPWithPinnedKeyMixesBothSecrets(t *testing.T) {
	ch := newMockChannel()
	hostPriv, hostPub, err := x25519.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	a := New()
	a.SetPeerPublicKey(hostPub[:])
	a.SetIdentify(IdentifySRP)
	a.SetUserName("alice")
	a.SetPassword("correct horse battery staple")
	a.SetSessionType(0x04)

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	clientHello, err := proto.DecodeExpect[proto.ClientHello](ch.lastSent())
	if err != nil {
		t.Fatalf("decoding ClientHello: %v", err)
	}
	if len(clientHello.PublicKey) != 32 || len(clientHello.IV) != 12 {
		t.Fatal("ClientHello missing pinned-key material")
	}

	clientEphemeral := append([]byte(nil), clientHello.PublicKey...)
	ecdhSecret, err := x25519.SharedSecret(hostPriv, clientEphemeral)
	if err != nil {
		t.Fatalf("server-side ECDH: %v", err)
	}
	ecdhKey := blake2s.Hash(ecdhSecret)

	serverIV := make([]byte, 12)
	ch.deliver(mustEncode(t, &proto.ServerHello{
		Encryption: uint32(proto.CipherAES256GCM),
		IV:         serverIV,
	}))

	if _, err := proto.DecodeExpect[proto.SrpIdentify](ch.lastSent()); err != nil {
		t.Fatalf("decoding SrpIdentify: %v", err)
	}

	group, ok := srp.GroupByNLength(512)
	if !ok {
		t.Fatal("missing 4096-bit group")
	}
	salt := make([]byte, 64)
	for i := range salt {
		salt[i] = byte(i + 1)
	}
	serverPriv, err := srp.GeneratePrivateValue()
	if err != nil {
		t.Fatalf("GeneratePrivateValue: %v", err)
	}
	x := srp.CalcX(salt, "alice", "correct horse battery staple")
	v := new(big.Int).Exp(group.G, x, group.N)
	k := srp.CalcK(group)
	serverB := new(big.Int).Mod(
		new(big.Int).Add(new(big.Int).Mul(k, v), new(big.Int).Exp(group.G, serverPriv, group.N)),
		group.N,
	)

	ch.deliver(mustEncode(t, &proto.SrpServerKeyExchange{
		N:    group.N.Bytes(),
		G:    group.G.Bytes(),
		Salt: salt,
		B:    serverB.Bytes(),
		IV:   make([]byte, 12),
	}))

	clientKeyExchange, err := proto.DecodeExpect[proto.SrpClientKeyExchange](ch.lastSent())
	if err != nil {
		t.Fatalf("decoding SrpClientKeyExchange: %v", err)
	}
	clientA := new(big.Int).SetBytes(clientKeyExchange.A)

	// Reproduce the server-side SRP premaster: S = (A * v^u) ^ b mod N.
	u := srp.CalcU(group, clientA, serverB)
	premaster := new(big.Int).Mod(
		new(big.Int).Exp(
			new(big.Int).Mod(new(big.Int).Mul(clientA, new(big.Int).Exp(v, u, group.N)), group.N),
			serverPriv,
			group.N,
		),
		group.N,
	)
	wantMixed := blake2s.Hash(ecdhKey[:], premaster.Bytes())

	ch.deliver(mustEncode(t, &proto.SessionChallenge{
		SessionTypes: 0x04,
		Version:      proto.Version{Major: 3, Minor: 0, Patch: 0},
	}))

	got := awaitResult(t, result)
	if got != Success {
		t.Fatalf("result = %v, want SUCCESS", got)
	}

	if !bytes.Equal(a.sessionKey, wantMixed[:]) {
		t.Fatalf("final session key does not match ECDH+SRP mix:\n got  %x\n want %x", a.sessionKey, wantMixed)
	}

	ecdhOnlyBytes := ecdhKey[:]
	if bytes.Equal(a.sessionKey, ecdhOnlyBytes) {
		t.Error("final session key equals the ECDH-only key; SRP secret was not mixed in")
	}

	srpOnlyKey := blake2s.Hash(nil, premaster.Bytes())
	if bytes.Equal(a.sessionKey, srpOnlyKey[:]) {
		t.Error("final session key equals the SRP-only key; ECDH secret was not mixed in")
	}
}

func TestSRPWrongPasswordAccessDenied(t *testing.T) {
	ch := newMockChannel()
	a := New()
	a.SetIdentify(IdentifySRP)
	a.SetUserName("alice")
	a.SetPassword("wrong-password")
	a.SetSessionType(0x01)

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	ch.deliver(mustEncode(t, &proto.ServerHello{Encryption: uint32(proto.CipherChaCha20Poly1305)}))

	group, _ := srp.GroupByNLength(512)
	ch.deliver(mustEncode(t, &proto.SrpServerKeyExchange{
		N:    group.N.Bytes(),
		G:    group.G.Bytes(),
		Salt: make([]byte, 64),
		B:    append([]byte{1}, make([]byte, 127)...),
		IV:   make([]byte, 12),
	}))

	// Client sent its key exchange; server rejects credentials.
	ch.disconnect(channel.ErrAccessDenied)

	got := awaitResult(t, result)
	if got != AccessDenied {
		t.Fatalf("result = %v, want ACCESS_DENIED", got)
	}
}

func TestUnsupportedSRPGroupIsProtocolError(t *testing.T) {
	ch := newMockChannel()
	a := New()
	a.SetIdentify(IdentifySRP)
	a.SetUserName("alice")
	a.SetPassword("whatever")
	a.SetSessionType(0x01)

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	ch.deliver(mustEncode(t, &proto.ServerHello{Encryption: uint32(proto.CipherChaCha20Poly1305)}))

	ch.deliver(mustEncode(t, &proto.SrpServerKeyExchange{
		N:    make([]byte, 384), // 3072-bit, not a pinned size
		G:    []byte{5},
		Salt: make([]byte, 64),
		B:    make([]byte, 128),
		IV:   make([]byte, 12),
	}))

	got := awaitResult(t, result)
	if got != ProtocolError {
		t.Fatalf("result = %v, want PROTOCOL_ERROR", got)
	}
}

func TestSaltAndBSizeViolations(t *testing.T) {
	group, _ := srp.GroupByNLength(512)

	tests := []struct {
		name string
		salt []byte
		b    []byte
	}{
		{name: "short salt", salt: make([]byte, 32), b: make([]byte, 128)},
		{name: "short B", salt: make([]byte, 64), b: make([]byte, 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newMockChannel()
			a := New()
			a.SetIdentify(IdentifySRP)
			a.SetUserName("alice")
			a.SetPassword("whatever")
			a.SetSessionType(0x01)

			result := make(chan ErrorCode, 1)
			a.Start(ch, func(code ErrorCode) { result <- code })

			ch.deliver(mustEncode(t, &proto.ServerHello{Encryption: uint32(proto.CipherChaCha20Poly1305)}))
			ch.deliver(mustEncode(t, &proto.SrpServerKeyExchange{
				N:    group.N.Bytes(),
				G:    group.G.Bytes(),
				Salt: tt.salt,
				B:    tt.b,
				IV:   make([]byte, 12),
			}))

			got := awaitResult(t, result)
			if got != ProtocolError {
				t.Fatalf("result = %v, want PROTOCOL_ERROR", got)
			}
		})
	}
}

func TestSessionTypeMismatchIsSessionDenied(t *testing.T) {
	ch := newMockChannel()
	_, hostPub, err := x25519.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	a := New()
	a.SetPeerPublicKey(hostPub[:])
	a.SetIdentify(IdentifyAnonymous)
	a.SetSessionType(0x08)

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	clientHello, err := proto.DecodeExpect[proto.ClientHello](ch.lastSent())
	if err != nil {
		t.Fatalf("decoding ClientHello: %v", err)
	}

	ch.deliver(mustEncode(t, &proto.ServerHello{
		Encryption: uint32(proto.CipherChaCha20Poly1305),
		IV:         clientHello.IV,
	}))

	ch.deliver(mustEncode(t, &proto.SessionChallenge{
		SessionTypes: 0x07,
		Version:      proto.Version{Major: 1},
	}))

	got := awaitResult(t, result)
	if got != SessionDenied {
		t.Fatalf("result = %v, want SESSION_DENIED", got)
	}
}

func TestCallbackFiresExactlyOnce(t *testing.T) {
	ch := newMockChannel()
	a := New()
	a.SetIdentify(IdentifyAnonymous)
	a.SetSessionType(0x02)

	calls := 0
	result := make(chan ErrorCode, 4)
	a.Start(ch, func(code ErrorCode) {
		calls++
		result <- code
	})

	// Anonymous with no pinned key fails immediately at sendClientHello;
	// fire a couple of spurious events afterward and confirm no further
	// callback invocation occurs.
	ch.disconnect(errors.New("late network error"))
	ch.deliver(mustEncode(t, &proto.SessionChallenge{}))

	<-result
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
}

func TestNetworkErrorDuringHandshake(t *testing.T) {
	ch := newMockChannel()
	_, hostPub, err := x25519.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	a := New()
	a.SetPeerPublicKey(hostPub[:])
	a.SetIdentify(IdentifyAnonymous)
	a.SetSessionType(0x01)

	result := make(chan ErrorCode, 1)
	a.Start(ch, func(code ErrorCode) { result <- code })

	ch.disconnect(errors.New("connection reset by peer"))

	got := awaitResult(t, result)
	if got != NetworkError {
		t.Fatalf("result = %v, want NETWORK_ERROR", got)
	}
}

func mustEncode(t *testing.T, msg any) []byte {
	t.Helper()
	payload, err := proto.Encode(msg)
	if err != nil {
		t.Fatalf("Encode(%T): %v", msg, err)
	}
	return payload
}
