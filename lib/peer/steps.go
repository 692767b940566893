package peer

import (
	"math/big"

	"github.com/relaydesk/relaydesk/lib/crypto/blake2s"
	"github.com/relaydesk/relaydesk/lib/crypto/srp"
	"github.com/relaydesk/relaydesk/lib/crypto/x25519"
	"github.com/relaydesk/relaydesk/lib/proto"
)

const (
	minSaltSize = 64
	minBSize    = 128
)

// sendClientHello implements handshake step 1: advertise ciphers, and if a
// pinned peer key is configured, run the ECDH half of the key exchange up
// front.
func (a *Authenticator) sendClientHello() {
	msg := &proto.ClientHello{
		Encryption: uint32(advertisedCiphers()),
		Identify:   a.identify,
	}

	if len(a.peerPublicKey) > 0 {
		iv, err := randomBytes(ivSize)
		if err != nil {
			a.finish("sendClientHello", UnknownError)
			return
		}

		priv, pub, err := x25519.GenerateKeyPair()
		if err != nil {
			a.finish("sendClientHello", UnknownError)
			return
		}

		secret, err := x25519.SharedSecret(priv, a.peerPublicKey)
		if err != nil {
			a.finish("sendClientHello", UnknownError)
			return
		}

		key := blake2s.Hash(secret)

		a.encryptIV = iv
		a.ecdhPriv = priv
		a.ecdhPub = pub
		a.sessionKey = key[:]
		a.haveECDH = true

		msg.PublicKey = pub[:]
		msg.IV = iv
	} else if a.identify == IdentifyAnonymous {
		// Anonymous identity with no pinned key leaves nothing to
		// authenticate the remote peer with; refuse rather than proceed.
		a.finish("sendClientHello", UnknownError)
		return
	}

	log.Debug("peer: Sending: ClientHello")
	a.send(msg)
}

// readServerHello implements handshake step 2.
func (a *Authenticator) readServerHello(payload []byte) {
	msg, err := proto.DecodeExpect[proto.ServerHello](payload)
	if err != nil {
		a.finish("readServerHello", ProtocolError)
		return
	}
	log.Debug("peer: Receiving: ServerHello")

	cipher := proto.Cipher(msg.Encryption)
	if popcount32(uint32(cipher)) != 1 {
		a.finish("readServerHello", ProtocolError)
		return
	}
	if cipher&advertisedCiphers() == 0 {
		// Server chose a cipher we never advertised.
		a.finish("readServerHello", ProtocolError)
		return
	}
	a.encryption = cipher

	// IV presence must match: we sent one iff a pinned key was configured.
	if (len(a.encryptIV) > 0) != (len(msg.IV) > 0) {
		a.finish("readServerHello", ProtocolError)
		return
	}
	a.decryptIV = msg.IV

	if a.haveECDH {
		ch := a.channel()
		if ch == nil {
			return
		}
		if err := installAEAD(ch, a.encryption, a.sessionKey, a.encryptIV, a.decryptIV); err != nil {
			a.finish("readServerHello", UnknownError)
			return
		}
	}

	a.mu.Lock()
	if a.identify == IdentifySRP {
		a.state = StateSendIdentify
	} else {
		a.state = StateReadSessionChallenge
	}
	a.mu.Unlock()

	if a.identify == IdentifySRP {
		a.sendIdentify()
	}
	// Anonymous identity has nothing more to send; the next event is the
	// server's SessionChallenge arriving on its own.
}

// sendIdentify implements handshake step 3 for the SRP branch.
func (a *Authenticator) sendIdentify() {
	log.Debug("peer: Sending: SrpIdentify")
	a.send(&proto.SrpIdentify{UserName: a.userName})
}

// readServerKeyExchange implements handshake step 4.
func (a *Authenticator) readServerKeyExchange(payload []byte) {
	msg, err := proto.DecodeExpect[proto.SrpServerKeyExchange](payload)
	if err != nil {
		a.finish("readServerKeyExchange", ProtocolError)
		return
	}
	log.Debug("peer: Receiving: SrpServerKeyExchange")

	if len(msg.Salt) < minSaltSize || len(msg.B) < minBSize {
		a.finish("readServerKeyExchange", ProtocolError)
		return
	}

	if !srp.VerifyGroup(msg.N, msg.G) {
		a.finish("readServerKeyExchange", ProtocolError)
		return
	}
	group, ok := srp.GroupByNLength(len(msg.N))
	if !ok {
		a.finish("readServerKeyExchange", ProtocolError)
		return
	}
	a.group = group
	a.decryptIV = msg.IV

	priv, err := srp.GeneratePrivateValue()
	if err != nil {
		a.finish("readServerKeyExchange", UnknownError)
		return
	}
	a.srpPriv = priv
	a.srpA = srp.CalcA(group, priv)

	encryptIV, err := randomBytes(ivSize)
	if err != nil {
		a.finish("readServerKeyExchange", UnknownError)
		return
	}
	a.encryptIV = encryptIV

	b := new(big.Int).SetBytes(msg.B)
	if !srp.VerifyBModN(group, b) {
		a.finish("readServerKeyExchange", ProtocolError)
		return
	}

	u := srp.CalcU(group, a.srpA, b)
	x := srp.CalcX(msg.Salt, a.userName, a.password)

	keyBytes, err := srp.CalcClientKey(group, a.srpPriv, b, u, x)
	if err != nil {
		a.finish("readServerKeyExchange", UnknownError)
		return
	}

	// Key mixing: bind the SRP secret to any prior ECDH-derived key so the
	// final session key depends on both when both are in play.
	var prior []byte
	if a.haveECDH {
		prior = a.sessionKey
	}
	mixed := blake2s.Hash(prior, keyBytes)
	a.sessionKey = mixed[:]

	a.mu.Lock()
	a.state = StateSendClientKeyExchange
	a.mu.Unlock()

	a.sendClientKeyExchange()
}

// sendClientKeyExchange implements handshake step 5.
func (a *Authenticator) sendClientKeyExchange() {
	log.Debug("peer: Sending: SrpClientKeyExchange")
	a.send(&proto.SrpClientKeyExchange{
		A:  a.srpA.Bytes(),
		IV: a.encryptIV,
	})
}

// rekeyAfterClientKeyExchange installs the SRP-mixed session key once the
// ClientKeyExchange write has completed, per the rotation point the
// protocol arranges on a clean message boundary.
func (a *Authenticator) rekeyAfterClientKeyExchange() {
	ch := a.channel()
	if ch == nil {
		return
	}
	if err := installAEAD(ch, a.encryption, a.sessionKey, a.encryptIV, a.decryptIV); err != nil {
		a.finish("rekeyAfterClientKeyExchange", UnknownError)
	}
}

// readSessionChallenge implements handshake step 6.
func (a *Authenticator) readSessionChallenge(payload []byte) {
	msg, err := proto.DecodeExpect[proto.SessionChallenge](payload)
	if err != nil {
		a.finish("readSessionChallenge", ProtocolError)
		return
	}
	log.Debug("peer: Receiving: SessionChallenge")

	if msg.SessionTypes&a.sessionType == 0 {
		a.finish("readSessionChallenge", SessionDenied)
		return
	}

	a.peerVersion = Version{
		Major: msg.Version.Major,
		Minor: msg.Version.Minor,
		Patch: msg.Version.Patch,
	}

	a.mu.Lock()
	a.state = StateSendSessionResponse
	a.mu.Unlock()

	a.sendSessionResponse()
}

// sendSessionResponse implements handshake step 7. The callback fires from
// OnMessageWritten once this message's write completes.
func (a *Authenticator) sendSessionResponse() {
	log.Debug("peer: Sending: SessionResponse")
	a.send(&proto.SessionResponse{SessionType: a.sessionType})
}
