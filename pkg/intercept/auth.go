package intercept

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/justjake/pgwarp/pkg/backend"
	"github.com/justjake/pgwarp/pkg/pgwire"
)

// scramMechanism is the only SASL mechanism the proxy speaks. The
// channel-binding variant (SCRAM-SHA-256-PLUS) requires the TLS channel
// to end at the authenticating party, which it never does here.
const scramMechanism = "SCRAM-SHA-256"

// answerChallenge responds to one authentication request with the
// configured trusted credentials. The challenge is never forwarded to
// the client; from the browser's perspective trusted-mode servers do not
// ask for a password. Returns the SCRAM exchange state, non-nil once a
// SASL conversation has begun.
func (i *Interceptor) answerChallenge(conn *backend.Conn, frame pgwire.Frame, authType uint32, scram *scramClient) (*scramClient, error) {
	switch authType {
	case pgwire.AuthTypeCleartextPassword:
		return nil, i.sendAuthResponse(conn, &pgproto3.PasswordMessage{Password: i.creds.Password})

	case pgwire.AuthTypeMD5Password:
		if len(frame.Payload) < 8 {
			return nil, i.reject(pgwire.NewProtocolViolation(nil, "MD5 authentication request missing salt"))
		}
		digest := md5Password(i.creds.User, i.creds.Password, frame.Payload[4:8])
		return nil, i.sendAuthResponse(conn, &pgproto3.PasswordMessage{Password: digest})

	case pgwire.AuthTypeSASL:
		if !saslMechanismOffered(frame.Payload[4:], scramMechanism) {
			return nil, i.reject(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidAuthorizationSpecification,
				fmt.Sprintf("backend offered no supported SASL mechanism (want %s)", scramMechanism), nil))
		}
		client, err := newScramClient(i.creds.Password)
		if err != nil {
			return nil, i.reject(pgwire.NewConnectionFailure(err, "could not begin SCRAM exchange"))
		}
		first := client.ClientFirstMessage()
		err = i.sendAuthResponse(conn, &pgproto3.SASLInitialResponse{
			AuthMechanism: scramMechanism,
			Data:          []byte(first),
		})
		return client, err

	case pgwire.AuthTypeSASLContinue:
		if scram == nil {
			return nil, i.reject(pgwire.NewProtocolViolation(nil, "SASLContinue without a SASL exchange in progress"))
		}
		final, err := scram.HandleServerFirstMessage(string(frame.Payload[4:]))
		if err != nil {
			return scram, i.reject(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidAuthorizationSpecification, "SCRAM exchange failed", err))
		}
		return scram, i.sendAuthResponse(conn, &pgproto3.SASLResponse{Data: []byte(final)})

	case pgwire.AuthTypeSASLFinal:
		if scram == nil {
			return nil, i.reject(pgwire.NewProtocolViolation(nil, "SASLFinal without a SASL exchange in progress"))
		}
		if err := scram.VerifyServerFinalMessage(string(frame.Payload[4:])); err != nil {
			return scram, i.reject(pgwire.NewErr(pgwire.ErrorFatal, pgerrcode.InvalidAuthorizationSpecification, "backend server signature invalid", err))
		}
		// AuthenticationOk follows; nothing to send.
		return scram, nil

	default:
		return scram, i.reject(pgwire.NewProtocolViolation(nil,
			fmt.Sprintf("unsupported authentication request %d in trusted mode", authType)))
	}
}

type authResponse interface {
	Encode(dst []byte) ([]byte, error)
}

func (i *Interceptor) sendAuthResponse(conn *backend.Conn, msg authResponse) error {
	wire, err := msg.Encode(nil)
	if err != nil {
		return i.reject(pgwire.NewProtocolViolation(err, "could not encode authentication response"))
	}
	if _, err := conn.Write(wire); err != nil {
		return i.reject(pgwire.NewConnectionFailure(err, "backend closed during authentication"))
	}
	return nil
}

// md5Password computes PostgreSQL's md5 password scheme:
// "md5" + hex(md5(hex(md5(password + user)) + salt)).
func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	outer := md5.New()
	outer.Write([]byte(hex.EncodeToString(inner[:])))
	outer.Write(salt)
	return "md5" + hex.EncodeToString(outer.Sum(nil))
}

// saslMechanismOffered scans the NUL-separated mechanism list from an
// AuthenticationSASL message for the given mechanism.
func saslMechanismOffered(list []byte, mechanism string) bool {
	for _, name := range bytes.Split(list, []byte{0}) {
		if string(name) == mechanism {
			return true
		}
	}
	return false
}
